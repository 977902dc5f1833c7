// Package usecase implements the requests the UI layer sends to the daemon.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/blocklist"
	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
	"github.com/eliteGoblin/focusd/delay_guard/internal/timer"
)

var (
	// ErrUnknownPrompt is returned when a prompt name is not relayable.
	ErrUnknownPrompt = errors.New("unknown prompt")

	// ErrUnavailable is returned when a collaborator was not configured.
	ErrUnavailable = errors.New("capability not available")
)

// ProtectionMonitor is the protection loop as the engine drives it.
type ProtectionMonitor interface {
	Enable() (bool, error)
	Disable() (bool, error)
	Stop() bool
	Running() bool
}

// Deps wires the engine's collaborators. Capabilities left nil make their
// operations return ErrUnavailable.
type Deps struct {
	Cache    *store.Cache
	Timers   *timer.Registry
	Monitor  ProtectionMonitor
	DNS      domain.DNSManager
	Hosts    domain.HostsEditor
	Apps     domain.InstalledAppLister
	Closer   *AppCloser
	Notifier domain.Notifier
}

// Engine serves the inbound requests.
type Engine struct {
	cache    *store.Cache
	timers   *timer.Registry
	monitor  ProtectionMonitor
	dns      domain.DNSManager
	hosts    domain.HostsEditor
	apps     domain.InstalledAppLister
	closer   *AppCloser
	notifier domain.Notifier
	logger   *zap.Logger
}

// NewEngine creates an engine.
func NewEngine(d Deps, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:    d.Cache,
		timers:   d.Timers,
		monitor:  d.Monitor,
		dns:      d.DNS,
		hosts:    d.Hosts,
		apps:     d.Apps,
		closer:   d.Closer,
		notifier: d.Notifier,
		logger:   logger,
	}
}

// --- preferences ---

// SavePreference stores value under key. Switching protection on also
// starts the monitor.
func (e *Engine) SavePreference(key string, value any) error {
	if key == "" {
		return timer.ErrEmptyKey
	}
	err := e.cache.Update(store.Preferences, func(m store.Map) error {
		m[key] = value
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save preference %q: %w", key, err)
	}
	e.logger.Info("preference saved", zap.String("key", key))
	e.notifier.Emit(domain.EventPreferencesUpdated, nil)

	if key == settings.KeyProtection && value == true && e.monitor != nil {
		if _, err := e.monitor.Enable(); err != nil {
			e.logger.Warn("protection enabled without persistence", zap.Error(err))
		}
	}
	return nil
}

// ReadPreference returns key as a boolean; anything but true reads false.
func (e *Engine) ReadPreference(key string) bool {
	return settings.Bool(e.cache.Get(store.Preferences), key)
}

// Preferences returns a copy of the whole preference document.
func (e *Engine) Preferences() store.Map {
	return e.cache.Get(store.Preferences)
}

// DelayTimeout returns the configured delay in milliseconds.
func (e *Engine) DelayTimeout() uint64 {
	return settings.DelayMillis(e.cache.Get(store.Preferences))
}

// --- block data ---

// GetBlockData returns a copy of the block data document.
func (e *Engine) GetBlockData() store.Map {
	return e.cache.Get(store.BlockData)
}

// SaveBlockData replaces the block data document, dropping duplicate list
// entries first.
func (e *Engine) SaveBlockData(data store.Map) error {
	if data == nil {
		data = store.Map{}
	}
	if blocklist.Dedupe(data) {
		e.logger.Info("duplicate block list entries dropped")
	}
	if err := e.cache.Put(store.BlockData, data); err != nil {
		return fmt.Errorf("failed to save block data: %w", err)
	}
	return nil
}

// --- timers ---

// StartTimer starts a countdown for key, or resumes one when remaining is set.
func (e *Engine) StartTimer(key string, remaining *time.Duration, target any) error {
	return e.timers.Start(timer.StartRequest{Key: key, Remaining: remaining, Target: target})
}

// CancelTimer abandons the countdown for key.
func (e *Engine) CancelTimer(key string) error {
	return e.timers.Cancel(key)
}

// ChangeStatus reports the countdown state of key.
func (e *Engine) ChangeStatus(key string) timer.ChangeStatus {
	return e.timers.Status(key)
}

// DelayChangeStatus reports the countdown state of the delay setting.
func (e *Engine) DelayChangeStatus() timer.ChangeStatus {
	return e.timers.Status(settings.KeyDelayTimeout)
}

// ActiveTimers lists keys with a live countdown.
func (e *Engine) ActiveTimers() []string {
	return e.timers.Active()
}

// PrimeForDeletion starts the countdown after which name may be unblocked.
// itemType "website" targets the website list; anything else the app list.
func (e *Engine) PrimeForDeletion(itemType, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("prime for deletion: %w", timer.ErrEmptyKey)
	}
	list := settings.ListAllowedForUnblockApps
	if strings.EqualFold(itemType, "website") {
		list = settings.ListAllowedForUnblockWebsites
	}
	key := settings.CompositeKey(list, name)
	if err := e.timers.Start(timer.StartRequest{Key: key}); err != nil {
		return "", fmt.Errorf("prime for deletion: failed to start timer: %w", err)
	}
	return key, nil
}

// --- protection ---

// EnableProtection turns the master switch on and starts the monitor.
// It reports whether a new loop was started.
func (e *Engine) EnableProtection() (bool, error) {
	if e.monitor == nil {
		return false, ErrUnavailable
	}
	if !e.ReadPreference(settings.KeyProtection) {
		err := e.cache.Update(store.Preferences, func(m store.Map) error {
			m[settings.KeyProtection] = true
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("failed to switch protection on: %w", err)
		}
		e.notifier.Emit(domain.EventPreferencesUpdated, nil)
	}
	return e.monitor.Enable()
}

// DisableProtection stops the monitor and removes its reboot registration.
// The master switch itself only goes off through a countdown.
func (e *Engine) DisableProtection() (bool, error) {
	if e.monitor == nil {
		return false, ErrUnavailable
	}
	return e.monitor.Disable()
}

// ProtectionRunning reports whether the monitor loop is alive.
func (e *Engine) ProtectionRunning() bool {
	return e.monitor != nil && e.monitor.Running()
}

// --- DNS and hosts ---

// IsDNSSafe reports whether the active interface uses a filtering resolver.
func (e *Engine) IsDNSSafe(ctx context.Context) (bool, error) {
	if e.dns == nil {
		return false, ErrUnavailable
	}
	return e.dns.IsSafe(ctx)
}

// TurnOnDNS points the system at the filtering resolvers and records it.
func (e *Engine) TurnOnDNS(ctx context.Context, strict bool) error {
	if e.dns == nil {
		return ErrUnavailable
	}
	if err := e.dns.Configure(ctx, strict); err != nil {
		if errors.Is(err, domain.ErrElevationCancelled) {
			return domain.ErrElevationCancelled
		}
		return fmt.Errorf("failed to configure safe DNS: %w", err)
	}
	return e.SavePreference(settings.KeyProtectiveDNS, true)
}

// IsSafeSearchEnabled reports whether the hosts file pins safe search.
func (e *Engine) IsSafeSearchEnabled() (bool, error) {
	if e.hosts == nil {
		return false, ErrUnavailable
	}
	return e.hosts.SafeSearchEnabled()
}

// EnableSafeSearch writes the safe-search entries. It reports false when
// they were already present.
func (e *Engine) EnableSafeSearch(ctx context.Context) (bool, error) {
	if e.hosts == nil {
		return false, ErrUnavailable
	}
	if enabled, _ := e.hosts.SafeSearchEnabled(); enabled {
		return false, nil
	}
	if err := e.hosts.EnableSafeSearch(ctx); err != nil {
		return false, err
	}
	if err := e.SavePreference(settings.KeySafeSearch, true); err != nil {
		e.logger.Warn("safe search enabled but preference not saved", zap.Error(err))
	}
	return true, nil
}

// AddBlockedWebsite blocks site in the hosts file and records it.
func (e *Engine) AddBlockedWebsite(ctx context.Context, site string) error {
	site = strings.TrimSpace(site)
	if site == "" {
		return domain.ErrEmptySite
	}
	if e.hosts == nil {
		return ErrUnavailable
	}
	if err := e.hosts.BlockSite(ctx, site); err != nil {
		return err
	}
	err := e.cache.Update(store.BlockData, func(m store.Map) error {
		if !blocklist.Append(m, settings.ListBlockedWebsites, site) {
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record blocked website: %w", err)
	}
	e.notifier.Emit(domain.EventBlockDataUpdated, map[string]any{"key": settings.ListBlockedWebsites, "item": site})
	return nil
}

// RemoveBlockedWebsite unblocks site in the hosts file and forgets it.
func (e *Engine) RemoveBlockedWebsite(ctx context.Context, site string) error {
	site = strings.TrimSpace(site)
	if site == "" {
		return domain.ErrEmptySite
	}
	if e.hosts == nil {
		return ErrUnavailable
	}
	if err := e.hosts.UnblockSite(ctx, site); err != nil {
		return err
	}

	changed := false
	err := e.cache.Update(store.BlockData, func(m store.Map) error {
		removed := blocklist.Remove(m, settings.ListBlockedWebsites, site)
		released := blocklist.Remove(m, settings.ListAllowedForUnblockWebsites, site)
		if !removed && !released {
			return store.ErrNoChange
		}
		changed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to forget blocked website: %w", err)
	}
	if changed {
		e.notifier.Emit(domain.EventBlockDataUpdated, map[string]any{"key": settings.ListBlockedWebsites, "item": site})
	}
	return nil
}

// --- apps ---

// InstalledApps lists applications the user can block.
func (e *Engine) InstalledApps() ([]domain.InstalledApp, error) {
	if e.apps == nil {
		return nil, ErrUnavailable
	}
	return e.apps.InstalledApps()
}

// CloseApp kills processName and waits for it to exit.
func (e *Engine) CloseApp(ctx context.Context, processName string) (domain.CloseResult, error) {
	if strings.TrimSpace(processName) == "" {
		return domain.CloseResult{}, errors.New("process name must not be empty")
	}
	if e.closer == nil {
		return domain.CloseResult{}, ErrUnavailable
	}
	return e.closer.Close(ctx, strings.TrimSpace(processName))
}

// --- prompts ---

// Prompt relays a UI prompt to every subscriber.
func (e *Engine) Prompt(kind domain.EventKind, settingID string) error {
	for _, k := range domain.PromptEvents {
		if k != kind {
			continue
		}
		payload := map[string]any{}
		if kind == domain.EventShowDelayForPrimeDelete {
			payload["settingId"] = settingID
		}
		e.notifier.Emit(kind, payload)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownPrompt, kind)
}

// --- lifecycle ---

// Reactivate resumes persisted countdowns and restarts the monitor when the
// master switch is on.
func (e *Engine) Reactivate() error {
	err := e.timers.Reactivate()
	if err != nil {
		e.logger.Error("failed to reactivate timers", zap.Error(err))
	}
	if e.monitor != nil && e.ReadPreference(settings.KeyProtection) {
		if _, merr := e.monitor.Enable(); merr != nil {
			e.logger.Warn("monitor resumed without persistence", zap.Error(merr))
		}
	}
	return err
}

// Shutdown stops the monitor and every countdown, leaving persisted state
// and the reboot registration in place.
func (e *Engine) Shutdown() {
	if e.monitor != nil {
		e.monitor.Stop()
	}
	e.timers.Shutdown()
}
