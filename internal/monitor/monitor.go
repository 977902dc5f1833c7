// Package monitor implements the protection loop that raises overlay flags
// when the user tries to get around the blocker.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/detect"
	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/metrics"
	"github.com/eliteGoblin/focusd/delay_guard/internal/policy"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
)

// Config holds monitor loop configuration.
type Config struct {
	Interval      time.Duration // How often a cycle runs (default 12s)
	IdleThreshold time.Duration // Skip cycles once the user has been idle this long
	SyncInterval  time.Duration // How often to reconcile documents and persistence
	FlagCooldown  time.Duration // Extra pause after raising a flag
	ProductName   string        // Used to recognize our own uninstaller window
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      12 * time.Second,
		IdleThreshold: 5 * time.Minute,
		SyncInterval:  60 * time.Second,
		FlagCooldown:  5 * time.Second,
		ProductName:   "DelayGuard",
	}
}

// Outcome summarizes one cycle.
type Outcome string

const (
	OutcomeIdle    Outcome = "idle"
	OutcomeClear   Outcome = "clear"
	OutcomeFlagged Outcome = "flagged"
	OutcomeStopped Outcome = "stopped"
	OutcomeFailed  Outcome = "failed"
)

// Deps are the collaborators the default triggers need.
type Deps struct {
	Cache       *store.Cache
	Processes   domain.ProcessManager
	Windows     domain.WindowLister
	Idle        domain.IdleMeter
	Proxy       domain.ProxyDetector
	Extensions  domain.ExtensionScanner
	Persistence domain.PersistenceManager
	Notifier    domain.Notifier
	Policies    *policy.Registry
	Browsers    *detect.BrowserCatalog
}

// DefaultTriggers returns the triggers in priority order.
func DefaultTriggers(d Deps, config Config, logger *zap.Logger) []Trigger {
	policies := d.Policies
	if policies == nil {
		policies = policy.NewRegistry()
	}
	browsers := d.Browsers
	if browsers == nil {
		browsers = detect.NewBrowserCatalog()
	}
	return []Trigger{
		NewUninstallerWindowTrigger(d.Windows, config.ProductName),
		NewProtectedAppTrigger(policies),
		NewBlockedAppTrigger(),
		NewProxyBrowserTrigger(browsers, d.Proxy),
		NewVPNExtensionTrigger(browsers, d.Extensions, logger),
	}
}

// Monitor runs at most one protection loop at a time.
type Monitor struct {
	deps     Deps
	triggers []Trigger
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by whichever goroutine is running cycles.
	cycleMu     sync.Mutex
	flagShown   bool
	lastSync    time.Time
	unavailable map[string]bool // triggers whose last check failed
}

// New creates a monitor with the default triggers.
func New(d Deps, config Config, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewWithTriggers(d, DefaultTriggers(d, config, logger), config, logger, m)
}

// NewWithTriggers creates a monitor with explicit triggers (for testing).
func NewWithTriggers(d Deps, triggers []Trigger, config Config, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		deps:     d,
		triggers: triggers,
		config:   config,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Enable starts the loop and registers the reboot-persistence mechanism.
// It reports whether a new loop was started; a registration failure is
// returned but leaves the loop running.
func (m *Monitor) Enable() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningLocked() {
		return false, nil
	}
	if m.cancel != nil {
		m.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.loop(ctx, done)
	m.logger.Info("protection monitor started", zap.Duration("interval", m.config.Interval))

	if m.deps.Persistence != nil && !m.deps.Persistence.IsInstalled() {
		if err := m.deps.Persistence.Install(); err != nil {
			m.logger.Warn("failed to register persistence", zap.Error(err))
			return true, err
		}
	}
	return true, nil
}

// Disable stops the loop and unregisters the reboot-persistence mechanism.
// It reports whether a running loop was stopped.
func (m *Monitor) Disable() (bool, error) {
	stopped := m.Stop()
	if m.deps.Persistence != nil && m.deps.Persistence.IsInstalled() {
		if err := m.deps.Persistence.Uninstall(); err != nil {
			m.logger.Warn("failed to unregister persistence", zap.Error(err))
			return stopped, err
		}
	}
	return stopped, nil
}

// Stop ends the loop and waits for it, leaving persistence untouched.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	running := m.runningLocked()
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	if running {
		m.logger.Info("protection monitor stopped")
	}
	return running
}

// Running reports whether a loop is alive.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Monitor) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		outcome, _ := m.RunCycle(ctx)
		if outcome == OutcomeStopped {
			m.logger.Info("protection switched off, monitor exiting")
			return
		}
		if outcome == OutcomeFlagged && m.config.FlagCooldown > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.config.FlagCooldown):
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle performs one pass of the loop body.
func (m *Monitor) RunCycle(ctx context.Context) (Outcome, *domain.Flag) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	outcome, flag := m.cycle(ctx)
	m.metrics.Cycle(string(outcome))
	return outcome, flag
}

func (m *Monitor) cycle(ctx context.Context) (Outcome, *domain.Flag) {
	if m.idle() {
		return OutcomeIdle, nil
	}

	if now := m.now(); now.Sub(m.lastSync) >= m.config.SyncInterval {
		m.lastSync = now
		m.sync()
	}

	prefs := m.deps.Cache.Get(store.Preferences)
	if !settings.Bool(prefs, settings.KeyProtection) {
		return OutcomeStopped, nil
	}

	c := NewCycle(ctx, prefs, m.deps.Cache.Get(store.BlockData), m.deps.Processes)
	for _, t := range m.triggers {
		flag, err := t.Check(c)
		if errors.Is(err, ErrProcessList) {
			m.logger.Warn("monitor cycle skipped", zap.String("trigger", t.Name()), zap.Error(err))
			return OutcomeFailed, nil
		}
		m.noteAvailability(t.Name(), err)
		if err != nil || flag == nil {
			continue
		}
		m.logger.Info("flagging app",
			zap.String("trigger", t.Name()),
			zap.String("process", flag.ProcessName),
			zap.String("code", string(flag.Code)))
		m.metrics.FlagRaised(string(flag.Code))
		m.deps.Notifier.Emit(domain.EventFlagApp, *flag)
		m.flagShown = true
		return OutcomeFlagged, flag
	}

	if m.flagShown {
		m.flagShown = false
		m.deps.Notifier.Emit(domain.EventCloseOverlay, nil)
	}
	return OutcomeClear, nil
}

// noteAvailability logs a trigger going unavailable once at warn level and
// keeps repeats at debug until it recovers.
func (m *Monitor) noteAvailability(name string, err error) {
	if err == nil {
		if m.unavailable[name] {
			delete(m.unavailable, name)
			m.logger.Info("trigger available again", zap.String("trigger", name))
		}
		return
	}
	if m.unavailable[name] {
		m.logger.Debug("trigger still unavailable", zap.String("trigger", name), zap.Error(err))
		return
	}
	if m.unavailable == nil {
		m.unavailable = make(map[string]bool)
	}
	m.unavailable[name] = true
	m.logger.Warn("trigger unavailable, treating as no match", zap.String("trigger", name), zap.Error(err))
}

func (m *Monitor) idle() bool {
	if m.deps.Idle == nil || m.config.IdleThreshold <= 0 {
		return false
	}
	idle, err := m.deps.Idle.IdleTime()
	if err != nil {
		m.logger.Debug("idle time unavailable", zap.Error(err))
		return false
	}
	return idle > m.config.IdleThreshold
}

// sync re-validates the documents against disk and re-registers persistence
// if something removed it.
func (m *Monitor) sync() {
	if err := m.deps.Cache.ReconcileAll(); err != nil {
		m.logger.Warn("document reconcile failed", zap.Error(err))
	}
	if m.deps.Persistence == nil || m.deps.Persistence.IsInstalled() {
		return
	}
	m.logger.Info("persistence registration missing, restoring")
	if err := m.deps.Persistence.Install(); err != nil {
		m.logger.Error("failed to restore persistence", zap.Error(err))
	}
}
