// Package main is the CLI entry point for delayguard.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/config"
	"github.com/eliteGoblin/focusd/delay_guard/internal/control"
	"github.com/eliteGoblin/focusd/delay_guard/internal/daemon"
	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.2.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "delayguard",
	Short: "Self-restriction daemon with delayed setting changes",
	Long: `delayguard keeps your blocking settings on a leash. Loosening a
setting starts a countdown instead of taking effect immediately, and the
countdown survives restarts. While protection is on, the daemon watches
for blocked apps, proxy tools and settings pages and tells the UI.`,
	Version:      Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Runs the daemon until interrupted. Only one instance can run at a
time; a second one exits with an error.`,
	RunE: runDaemon,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var (
	configFile string
	addrFlag   string
	jsonOutput bool
	asService  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "daemon address (defaults to lock_addr from config)")

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	runCmd.Flags().BoolVar(&asService, "as-service", false, "run under the service manager")
	_ = runCmd.Flags().MarkHidden("as-service")

	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
	addClientCommands(rootCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if addrFlag != "" {
		cfg.LockAddr = addrFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.Logger {
	return infra.NewLogger(infra.LogConfig{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

func newClient() (*control.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.LockAddr), nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		info := map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		}
		data, _ := json.Marshal(info)
		fmt.Println(string(data))
		return
	}
	fmt.Printf("delayguard %s\n", Version)
	fmt.Printf("  Commit:     %s\n", Commit)
	fmt.Printf("  Build time: %s\n", BuildTime)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	d, err := daemon.New(*cfg, daemon.Options{Version: Version}, logger)
	if err != nil {
		return err
	}

	run := func(ctx context.Context) error {
		ln, err := infra.AcquireInstanceLock(cfg.LockAddr)
		if err != nil {
			return err
		}
		return d.Run(ctx, ln)
	}

	if asService {
		svc := d.Service()
		if svc == nil {
			return fmt.Errorf("service registration unavailable")
		}
		return svc.RunService(daemon.NewServiceProgram(run, logger.Named("service")))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx)
	if errors.Is(err, domain.ErrAlreadyRunning) {
		logger.Info("another instance is already running", zap.String("addr", cfg.LockAddr))
		fmt.Fprintln(os.Stderr, "delayguard is already running")
		return nil
	}
	return err
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := control.NewClient(cfg.LockAddr)

	ctx := cmd.Context()
	if st, err := client.Status(ctx); err == nil {
		fmt.Printf("delayguard is already running (pid %d)\n", st.PID)
		return nil
	}

	runArgs := []string{"run"}
	if configFile != "" {
		runArgs = append(runArgs, "--config", configFile)
	}
	if addrFlag != "" {
		runArgs = append(runArgs, "--addr", addrFlag)
	}
	pid, err := daemon.StartDetached("", runArgs...)
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Status(ctx); err == nil {
			fmt.Printf("delayguard started (pid %d)\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not answer on %s", pid, cfg.LockAddr)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	fmt.Println("\n=== delayguard Status ===")
	st, err := client.Status(cmd.Context())
	if err != nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'delayguard start' to start the daemon.")
		return nil
	}

	fmt.Println("Status: RUNNING")
	fmt.Printf("Version: %s\n", st.Version)
	fmt.Printf("PID: %d\n", st.PID)
	fmt.Printf("Started: %s\n", st.StartedAt)
	fmt.Printf("Data dir: %s\n", st.DataDir)
	fmt.Printf("Protection: %s\n", protectionLabel(st.ProtectionSwitch, st.ProtectionRunning))
	if st.Service != "" {
		fmt.Printf("Auto-start: %s\n", st.Service)
	}
	if len(st.ActiveTimers) > 0 {
		fmt.Println("\nPending changes:")
		for _, key := range st.ActiveTimers {
			fmt.Printf("  - %s\n", key)
		}
	}
	fmt.Println("=========================")
	return nil
}

func protectionLabel(switchOn, running bool) string {
	switch {
	case switchOn && running:
		return "ON"
	case switchOn:
		return "ON (monitor stopped)"
	case running:
		return "OFF (monitor still running)"
	default:
		return "OFF"
	}
}
