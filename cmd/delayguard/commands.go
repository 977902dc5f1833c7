package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/delay_guard/internal/control"
	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/events"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/timer"
)

// clientCommand wraps fn so it receives a connected client.
func clientCommand(fn func(ctx context.Context, c *control.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		err = fn(cmd.Context(), c, args)
		if errors.Is(err, domain.ErrElevationCancelled) {
			return fmt.Errorf("administrator approval was declined")
		}
		return err
	}
}

var strictDNS bool
var timerTarget string

func addClientCommands(root *cobra.Command) {
	prefCmd := &cobra.Command{Use: "pref", Short: "Read and write preferences"}
	prefCmd.AddCommand(
		&cobra.Command{
			Use:   "get [key]",
			Short: "Print one preference, or all of them",
			Args:  cobra.MaximumNArgs(1),
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				if len(args) == 1 {
					v, err := c.ReadPreference(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Println(v)
					return nil
				}
				prefs, err := c.Preferences(ctx)
				if err != nil {
					return err
				}
				return printJSON(prefs)
			}),
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a preference (value is parsed as JSON when possible)",
			Args:  cobra.ExactArgs(2),
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				return c.SavePreference(ctx, args[0], parseValue(args[1]))
			}),
		},
	)

	delayCmd := &cobra.Command{
		Use:   "delay",
		Short: "Show the delay and any pending change to it",
		Args:  cobra.NoArgs,
		RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
			d, err := c.Delay(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Delay: %s\n", time.Duration(d.DelayTimeout)*time.Millisecond)
			printChange(settings.KeyDelayTimeout, d.Change)
			return nil
		}),
	}

	timerCmd := &cobra.Command{Use: "timer", Short: "Manage delayed setting changes"}
	timerStart := &cobra.Command{
		Use:   "start <key>",
		Short: "Request a change; it applies when the countdown ends",
		Args:  cobra.ExactArgs(1),
		RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
			var target any
			if timerTarget != "" {
				target = parseValue(timerTarget)
			}
			st, err := c.StartTimer(ctx, args[0], target)
			if err != nil {
				return err
			}
			printChange(args[0], st)
			return nil
		}),
	}
	timerStart.Flags().StringVar(&timerTarget, "target", "", "new delay in milliseconds (delay key only)")
	timerCmd.AddCommand(
		timerStart,
		&cobra.Command{
			Use:   "cancel <key>",
			Short: "Abandon a pending change",
			Args:  cobra.ExactArgs(1),
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				return c.CancelTimer(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "status [key]",
			Short: "Show one countdown, or list the live ones",
			Args:  cobra.MaximumNArgs(1),
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				if len(args) == 1 {
					st, err := c.TimerStatus(ctx, args[0])
					if err != nil {
						return err
					}
					printChange(args[0], st)
					return nil
				}
				keys, err := c.ActiveTimers(ctx)
				if err != nil {
					return err
				}
				if len(keys) == 0 {
					fmt.Println("No pending changes")
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				return nil
			}),
		},
	)

	primeCmd := &cobra.Command{
		Use:   "prime-delete <itemType> <name>",
		Short: "Start the countdown for unblocking an item",
		Args:  cobra.ExactArgs(2),
		RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
			key, err := c.PrimeForDeletion(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Countdown started: %s\n", key)
			return nil
		}),
	}

	protectionCmd := &cobra.Command{Use: "protection", Short: "Control the protection monitor"}
	protectionCmd.AddCommand(
		protectionSub("status", "Show protection state", (*control.Client).Protection),
		protectionSub("on", "Turn protection on", (*control.Client).EnableProtection),
		protectionSub("off", "Stop the protection monitor", (*control.Client).DisableProtection),
	)

	blockCmd := &cobra.Command{Use: "block", Short: "Inspect and edit block data"}
	blockCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print the block data document",
			Args:  cobra.NoArgs,
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				data, err := c.BlockData(ctx)
				if err != nil {
					return err
				}
				return printJSON(data)
			}),
		},
		&cobra.Command{
			Use:   "add-site <site>",
			Short: "Block a website",
			Args:  cobra.ExactArgs(1),
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				return c.AddWebsite(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "remove-site <site>",
			Short: "Unblock a website",
			Args:  cobra.ExactArgs(1),
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				return c.RemoveWebsite(ctx, args[0])
			}),
		},
	)

	dnsCmd := &cobra.Command{Use: "dns", Short: "Protective DNS"}
	dnsOn := &cobra.Command{
		Use:   "on",
		Short: "Point the active interface at the filtering resolvers",
		Args:  cobra.NoArgs,
		RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
			return c.TurnOnDNS(ctx, strictDNS)
		}),
	}
	dnsOn.Flags().BoolVar(&strictDNS, "strict", false, "use the stricter resolver set")
	dnsCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Check whether a filtering resolver is active",
			Args:  cobra.NoArgs,
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				ok, err := c.DNSSafe(ctx)
				if err != nil {
					return err
				}
				fmt.Println(onOff(ok))
				return nil
			}),
		},
		dnsOn,
	)

	safeCmd := &cobra.Command{Use: "safe-search", Short: "Search engine safe search"}
	safeCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Check whether safe search is pinned",
			Args:  cobra.NoArgs,
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				ok, err := c.SafeSearch(ctx)
				if err != nil {
					return err
				}
				fmt.Println(onOff(ok))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "on",
			Short: "Pin safe search in the hosts file",
			Args:  cobra.NoArgs,
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				changed, err := c.EnableSafeSearch(ctx)
				if err != nil {
					return err
				}
				if !changed {
					fmt.Println("Safe search was already on")
				}
				return nil
			}),
		},
	)

	appsCmd := &cobra.Command{Use: "apps", Short: "Installed applications"}
	appsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List applications that can be blocked",
			Args:  cobra.NoArgs,
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				apps, err := c.InstalledApps(ctx)
				if err != nil {
					return err
				}
				sort.Slice(apps, func(i, j int) bool {
					return strings.ToLower(apps[i].DisplayName) < strings.ToLower(apps[j].DisplayName)
				})
				for _, a := range apps {
					fmt.Printf("%-40s %s\n", a.DisplayName, a.ProcessName)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "close <processName>",
			Short: "Kill every instance of a process and wait for it to exit",
			Args:  cobra.ExactArgs(1),
			RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
				res, err := c.CloseApp(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Killed %d process(es) in %s\n", len(res.KilledPIDs), res.Elapsed.Round(time.Millisecond))
				if res.StillAlive {
					return fmt.Errorf("%s is still running", res.ProcessName)
				}
				return nil
			}),
		},
	)

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Stream notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			enc := json.NewEncoder(os.Stdout)
			return c.Events(ctx, func(ev events.Event) error {
				return enc.Encode(ev)
			})
		}),
	}

	root.AddCommand(prefCmd, delayCmd, timerCmd, primeCmd, protectionCmd, blockCmd, dnsCmd, safeCmd, appsCmd, eventsCmd)
}

func protectionSub(use, short string, call func(*control.Client, context.Context) (control.ProtectionState, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: clientCommand(func(ctx context.Context, c *control.Client, args []string) error {
			st, err := call(c, ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Protection: %s\n", protectionLabel(st.Switch, st.Running))
			return nil
		}),
	}
}

// parseValue reads s as JSON, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printChange(key string, st timer.ChangeStatus) {
	if !st.IsChanging {
		fmt.Printf("%s: no pending change\n", key)
		return
	}
	fmt.Printf("%s: changing", key)
	if st.NewValue != nil {
		fmt.Printf(" to %v", st.NewValue)
	}
	if st.TimeRemaining != nil {
		fmt.Printf(", %s remaining", (time.Duration(*st.TimeRemaining) * time.Millisecond).Round(time.Second))
	}
	fmt.Println()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
