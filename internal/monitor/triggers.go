package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/blocklist"
	"github.com/eliteGoblin/focusd/delay_guard/internal/detect"
	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/policy"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
)

// ErrProcessList marks a failure to enumerate running processes. Every
// process-based trigger depends on the listing, so it skips the whole cycle.
var ErrProcessList = errors.New("failed to list processes")

// Cycle carries what one monitor pass has gathered. The process listing is
// taken at most once and shared by every trigger.
type Cycle struct {
	Ctx         context.Context
	Preferences store.Map
	BlockData   store.Map

	processes domain.ProcessManager
	once      sync.Once
	running   []string
	err       error
}

// NewCycle creates the per-pass state.
func NewCycle(ctx context.Context, prefs, block store.Map, processes domain.ProcessManager) *Cycle {
	return &Cycle{Ctx: ctx, Preferences: prefs, BlockData: block, processes: processes}
}

// Running returns the running process names.
func (c *Cycle) Running() ([]string, error) {
	c.once.Do(func() {
		c.running, c.err = c.processes.RunningNames()
		if c.err != nil {
			c.err = fmt.Errorf("%w: %w", ErrProcessList, c.err)
		}
	})
	return c.running, c.err
}

// DNSHardened reports whether the protective DNS setting is on.
func (c *Cycle) DNSHardened() bool {
	return settings.Bool(c.Preferences, settings.KeyProtectiveDNS)
}

// Trigger is one circumvention check. Check returns nil when nothing matched.
// An error wrapping ErrProcessList aborts the cycle; any other error means the
// trigger's own signal is unavailable and counts as no match.
type Trigger interface {
	Name() string
	Check(c *Cycle) (*domain.Flag, error)
}

// UninstallerWindowTrigger flags a visible uninstaller for the product.
type UninstallerWindowTrigger struct {
	windows domain.WindowLister
	product string
}

// NewUninstallerWindowTrigger creates the trigger for product's uninstaller.
func NewUninstallerWindowTrigger(windows domain.WindowLister, product string) *UninstallerWindowTrigger {
	return &UninstallerWindowTrigger{windows: windows, product: product}
}

func (t *UninstallerWindowTrigger) Name() string { return "uninstaller-window" }

func (t *UninstallerWindowTrigger) Check(*Cycle) (*domain.Flag, error) {
	titles, err := t.windows.VisibleWindowTitles()
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}
	if _, ok := policy.UninstallerWindow(titles, t.product); !ok {
		return nil, nil
	}
	return &domain.Flag{
		DisplayName: t.product + " Uninstaller",
		ProcessName: "uninstaller",
		Code:        domain.FlagUninstallerWindow,
	}, nil
}

// ProtectedAppTrigger flags a running protected system utility.
type ProtectedAppTrigger struct {
	policies *policy.Registry
}

func NewProtectedAppTrigger(policies *policy.Registry) *ProtectedAppTrigger {
	return &ProtectedAppTrigger{policies: policies}
}

func (t *ProtectedAppTrigger) Name() string { return "protected-app" }

func (t *ProtectedAppTrigger) Check(c *Cycle) (*domain.Flag, error) {
	running, err := c.Running()
	if err != nil {
		return nil, err
	}
	m, ok := t.policies.Match(running)
	if !ok {
		return nil, nil
	}
	return &domain.Flag{
		DisplayName: m.Policy.Name(),
		ProcessName: m.ProcessName,
		Code:        domain.FlagProtectedSystemApp,
	}, nil
}

// BlockedAppTrigger flags a running app from the user's block list.
type BlockedAppTrigger struct{}

func NewBlockedAppTrigger() *BlockedAppTrigger {
	return &BlockedAppTrigger{}
}

func (t *BlockedAppTrigger) Name() string { return "blocked-app" }

func (t *BlockedAppTrigger) Check(c *Cycle) (*domain.Flag, error) {
	apps := blocklist.Apps(c.BlockData, settings.ListBlockedApps)
	if len(apps) == 0 {
		return nil, nil
	}
	running, err := c.Running()
	if err != nil {
		return nil, err
	}
	set := blocklist.NewRunningSet(running)
	for _, app := range apps {
		if proc, ok := set.MatchRunning(app.ProcessName); ok {
			return &domain.Flag{
				DisplayName: app.DisplayName,
				ProcessName: proc,
				Code:        domain.FlagBlockedApp,
			}, nil
		}
	}
	return nil, nil
}

// ProxyBrowserTrigger flags a browser while an anonymizing proxy is reachable.
type ProxyBrowserTrigger struct {
	browsers *detect.BrowserCatalog
	proxy    domain.ProxyDetector
}

func NewProxyBrowserTrigger(browsers *detect.BrowserCatalog, proxy domain.ProxyDetector) *ProxyBrowserTrigger {
	return &ProxyBrowserTrigger{browsers: browsers, proxy: proxy}
}

func (t *ProxyBrowserTrigger) Name() string { return "proxy-browser" }

func (t *ProxyBrowserTrigger) Check(c *Cycle) (*domain.Flag, error) {
	if !c.DNSHardened() {
		return nil, nil
	}
	running, err := c.Running()
	if err != nil {
		return nil, err
	}
	// The process table is cheaper than a socket probe, so look first.
	browser, ok := t.browsers.FirstRunning(running)
	if !ok || !t.proxy.ProxyReachable(c.Ctx) {
		return nil, nil
	}
	return &domain.Flag{
		DisplayName: browser,
		ProcessName: browser,
		Code:        domain.FlagBrowserWithProxy,
	}, nil
}

// VPNExtensionTrigger flags a running mainstream browser that has a VPN
// extension installed.
type VPNExtensionTrigger struct {
	browsers *detect.BrowserCatalog
	scanner  domain.ExtensionScanner
	logger   *zap.Logger
}

func NewVPNExtensionTrigger(browsers *detect.BrowserCatalog, scanner domain.ExtensionScanner, logger *zap.Logger) *VPNExtensionTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VPNExtensionTrigger{browsers: browsers, scanner: scanner, logger: logger}
}

func (t *VPNExtensionTrigger) Name() string { return "vpn-extension" }

func (t *VPNExtensionTrigger) Check(c *Cycle) (*domain.Flag, error) {
	if !c.DNSHardened() {
		return nil, nil
	}
	running, err := c.Running()
	if err != nil {
		return nil, err
	}
	open := t.browsers.RunningMainstream(running)
	if len(open) == 0 {
		return nil, nil
	}

	ids := make([]string, len(open))
	byID := make(map[string]detect.RunningBrowser, len(open))
	for i, b := range open {
		ids[i] = b.ID
		byID[b.ID] = b
	}

	exts, err := t.scanner.VPNExtensions(ids)
	if err != nil {
		if len(exts) == 0 {
			return nil, fmt.Errorf("failed to scan extensions: %w", err)
		}
		t.logger.Debug("partial extension scan", zap.Error(err))
	}
	for _, ext := range exts {
		b, ok := byID[ext.Browser]
		if !ok {
			continue
		}
		t.logger.Info("vpn extension installed",
			zap.String("browser", b.ID),
			zap.String("extension", ext.Name),
			zap.String("id", ext.ID))
		return &domain.Flag{
			DisplayName: b.Process,
			ProcessName: b.Process,
			Code:        domain.FlagBrowserWithVPN,
		}, nil
	}
	return nil, nil
}
