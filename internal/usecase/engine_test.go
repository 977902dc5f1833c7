package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
	"github.com/eliteGoblin/focusd/delay_guard/internal/timer"
)

// recorder implements domain.Notifier for testing
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	kind    domain.EventKind
	payload any
}

func (r *recorder) Emit(kind domain.EventKind, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind, payload})
}

func (r *recorder) of(kind domain.EventKind) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e.payload)
		}
	}
	return out
}

// mockMonitor implements ProtectionMonitor for testing
type mockMonitor struct {
	mu        sync.Mutex
	running   bool
	enables   int
	enableErr error
	disables  int
	stops     int
}

func (m *mockMonitor) Enable() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enables++
	started := !m.running
	m.running = true
	return started, m.enableErr
}

func (m *mockMonitor) Disable() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disables++
	was := m.running
	m.running = false
	return was, nil
}

func (m *mockMonitor) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	was := m.running
	m.running = false
	return was
}

func (m *mockMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// mockDNS implements domain.DNSManager for testing
type mockDNS struct {
	safe         bool
	configureErr error
	strict       []bool
}

func (m *mockDNS) ActiveInterface(context.Context) (string, error) { return "eth0", nil }
func (m *mockDNS) IsSafe(context.Context) (bool, error)            { return m.safe, nil }

func (m *mockDNS) Configure(_ context.Context, strict bool) error {
	m.strict = append(m.strict, strict)
	if m.configureErr != nil {
		return m.configureErr
	}
	m.safe = true
	return nil
}

// mockHosts implements domain.HostsEditor for testing
type mockHosts struct {
	mu         sync.Mutex
	safeSearch bool
	blocked    map[string]bool
	err        error
	writes     int
}

func newMockHosts() *mockHosts {
	return &mockHosts{blocked: make(map[string]bool)}
}

func (m *mockHosts) SafeSearchEnabled() (bool, error) { return m.safeSearch, nil }

func (m *mockHosts) EnableSafeSearch(context.Context) error {
	if m.err != nil {
		return m.err
	}
	m.writes++
	m.safeSearch = true
	return nil
}

func (m *mockHosts) BlockSite(_ context.Context, site string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.blocked[site] = true
	return nil
}

func (m *mockHosts) UnblockSite(_ context.Context, site string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.blocked, site)
	return nil
}

type stubApps []domain.InstalledApp

func (s stubApps) InstalledApps() ([]domain.InstalledApp, error) { return s, nil }

type engineFixture struct {
	engine  *Engine
	cache   *store.Cache
	timers  *timer.Registry
	events  *recorder
	monitor *mockMonitor
	dns     *mockDNS
	hosts   *mockHosts
	procs   *mockProcessManager
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	cache := store.NewCache(store.NewFileStore(t.TempDir(), nil, nil), nil, nil)
	events := &recorder{}
	applier := timer.NewApplier(cache, events, nil)
	timers := timer.NewRegistry(cache, applier, events, timer.Config{Tick: 5 * time.Millisecond}, nil, nil)
	t.Cleanup(timers.Shutdown)

	f := &engineFixture{
		cache:   cache,
		timers:  timers,
		events:  events,
		monitor: &mockMonitor{},
		dns:     &mockDNS{},
		hosts:   newMockHosts(),
		procs:   newMockProcessManager(),
	}
	f.engine = NewEngine(Deps{
		Cache:    cache,
		Timers:   timers,
		Monitor:  f.monitor,
		DNS:      f.dns,
		Hosts:    f.hosts,
		Apps:     stubApps{{DisplayName: "Steam", ProcessName: "steam.exe"}},
		Closer:   NewAppCloser(f.procs, CloserConfig{PollInterval: time.Millisecond, Timeout: 50 * time.Millisecond}, nil),
		Notifier: events,
	}, nil)
	return f
}

func TestEngine_Preferences(t *testing.T) {
	f := newEngineFixture(t)

	assert.Equal(t, settings.DefaultDelayMillis, f.engine.DelayTimeout())
	assert.False(t, f.engine.ReadPreference("overlayRestrictedContent"))

	require.NoError(t, f.engine.SavePreference("overlayRestrictedContent", true))
	require.NoError(t, f.engine.SavePreference(settings.KeyDelayTimeout, 60000))
	assert.True(t, f.engine.ReadPreference("overlayRestrictedContent"))
	assert.Equal(t, uint64(60000), f.engine.DelayTimeout())
	assert.Len(t, f.events.of(domain.EventPreferencesUpdated), 2)

	// A non-boolean value reads as false.
	require.NoError(t, f.engine.SavePreference("overlayRestrictedContent", "yes"))
	assert.False(t, f.engine.ReadPreference("overlayRestrictedContent"))

	assert.Error(t, f.engine.SavePreference("", true))
	assert.Equal(t, 0, f.monitor.enables, "unrelated keys leave the monitor alone")
}

func TestEngine_SavePreference_ProtectionSwitchStartsMonitor(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.engine.SavePreference(settings.KeyProtection, true))
	assert.True(t, f.engine.ProtectionRunning())

	require.NoError(t, f.engine.SavePreference(settings.KeyProtection, false))
	assert.Equal(t, 1, f.monitor.enables)
}

func TestEngine_SaveBlockData_Dedupes(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.engine.SaveBlockData(store.Map{
		settings.ListBlockedApps: []any{
			"Steam.exe",
			map[string]any{"processName": "steam.exe", "displayName": "Steam"},
			"discord.exe",
		},
		settings.ListBlockedWebsites: []any{"example.com", "example.com", "Example.com"},
		"custom":                     "kept",
	}))

	got := f.engine.GetBlockData()
	assert.Equal(t, []any{"Steam.exe", "discord.exe"}, got[settings.ListBlockedApps])
	assert.Equal(t, []any{"example.com", "Example.com"}, got[settings.ListBlockedWebsites])
	assert.Equal(t, "kept", got["custom"])
}

func TestEngine_PrimeForDeletion(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.SavePreference(settings.KeyDelayTimeout, 20))

	key, err := f.engine.PrimeForDeletion("Website", "reddit.com")
	require.NoError(t, err)
	assert.Equal(t, "allowedForUnblockWebsites-->reddit.com", key)

	appKey, err := f.engine.PrimeForDeletion("app", "steam.exe")
	require.NoError(t, err)
	assert.Equal(t, "allowedForUnblockApps-->steam.exe", appKey)

	assert.Eventually(t, func() bool {
		block := f.engine.GetBlockData()
		return assert.ObjectsAreEqual([]any{"reddit.com"}, block[settings.ListAllowedForUnblockWebsites]) &&
			assert.ObjectsAreEqual([]any{"steam.exe"}, block[settings.ListAllowedForUnblockApps])
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.engine.PrimeForDeletion("app", "  ")
	assert.Error(t, err)
}

func TestEngine_TimerStatus(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.SavePreference(settings.KeyDelayTimeout, 60000))

	require.NoError(t, f.engine.StartTimer(settings.KeyDelayTimeout, nil, 1000))
	status := f.engine.DelayChangeStatus()
	assert.True(t, status.IsChanging)
	assert.EqualValues(t, 60000, status.CurrentTimeout)
	require.NotNil(t, status.TimeRemaining)
	assert.LessOrEqual(t, *status.TimeRemaining, uint64(60000))
	assert.Equal(t, []string{settings.KeyDelayTimeout}, f.engine.ActiveTimers())

	require.NoError(t, f.engine.CancelTimer(settings.KeyDelayTimeout))
	assert.False(t, f.engine.ChangeStatus(settings.KeyDelayTimeout).IsChanging)
	assert.Empty(t, f.engine.ActiveTimers())
}

func TestEngine_Protection(t *testing.T) {
	f := newEngineFixture(t)

	started, err := f.engine.EnableProtection()
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, f.engine.ReadPreference(settings.KeyProtection))
	assert.True(t, f.engine.ProtectionRunning())

	started, err = f.engine.EnableProtection()
	require.NoError(t, err)
	assert.False(t, started)

	stopped, err := f.engine.DisableProtection()
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.False(t, f.engine.ProtectionRunning())
	assert.True(t, f.engine.ReadPreference(settings.KeyProtection), "switch only goes off through a countdown")
}

func TestEngine_TurnOnDNS(t *testing.T) {
	f := newEngineFixture(t)

	safe, err := f.engine.IsDNSSafe(context.Background())
	require.NoError(t, err)
	assert.False(t, safe)

	require.NoError(t, f.engine.TurnOnDNS(context.Background(), true))
	assert.Equal(t, []bool{true}, f.dns.strict)
	assert.True(t, f.engine.ReadPreference(settings.KeyProtectiveDNS))
}

func TestEngine_TurnOnDNS_Cancelled(t *testing.T) {
	f := newEngineFixture(t)
	f.dns.configureErr = errors.Join(errors.New("elevated cmd.exe failed"), domain.ErrElevationCancelled)

	err := f.engine.TurnOnDNS(context.Background(), false)
	assert.Equal(t, domain.ErrElevationCancelled, err)
	assert.Equal(t, "elevation-canceled-by-user", err.Error())
	assert.False(t, f.engine.ReadPreference(settings.KeyProtectiveDNS))
}

func TestEngine_SafeSearch(t *testing.T) {
	f := newEngineFixture(t)

	changed, err := f.engine.EnableSafeSearch(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, f.engine.ReadPreference(settings.KeySafeSearch))

	changed, err = f.engine.EnableSafeSearch(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, f.hosts.writes)

	enabled, err := f.engine.IsSafeSearchEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestEngine_Websites(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.AddBlockedWebsite(ctx, " reddit.com "))
	require.NoError(t, f.engine.AddBlockedWebsite(ctx, "reddit.com"))
	assert.True(t, f.hosts.blocked["reddit.com"])
	assert.Equal(t, []any{"reddit.com"}, f.engine.GetBlockData()[settings.ListBlockedWebsites])
	assert.Len(t, f.events.of(domain.EventBlockDataUpdated), 2)

	require.NoError(t, f.cache.Update(store.BlockData, func(m store.Map) error {
		m[settings.ListAllowedForUnblockWebsites] = []any{"reddit.com"}
		return nil
	}))
	require.NoError(t, f.engine.RemoveBlockedWebsite(ctx, "reddit.com"))
	block := f.engine.GetBlockData()
	assert.Empty(t, block[settings.ListBlockedWebsites])
	assert.Empty(t, block[settings.ListAllowedForUnblockWebsites])
	assert.False(t, f.hosts.blocked["reddit.com"])

	// Nothing left to forget: no event.
	require.NoError(t, f.engine.RemoveBlockedWebsite(ctx, "reddit.com"))
	assert.Len(t, f.events.of(domain.EventBlockDataUpdated), 3)

	assert.ErrorIs(t, f.engine.AddBlockedWebsite(ctx, ""), domain.ErrEmptySite)
}

func TestEngine_AddBlockedWebsite_HostsFailureLeavesListAlone(t *testing.T) {
	f := newEngineFixture(t)
	f.hosts.err = domain.ErrElevationCancelled

	err := f.engine.AddBlockedWebsite(context.Background(), "reddit.com")
	assert.ErrorIs(t, err, domain.ErrElevationCancelled)
	assert.Nil(t, f.engine.GetBlockData()[settings.ListBlockedWebsites])
}

func TestEngine_AppsAndPrompts(t *testing.T) {
	f := newEngineFixture(t)

	apps, err := f.engine.InstalledApps()
	require.NoError(t, err)
	assert.Equal(t, "Steam", apps[0].DisplayName)

	require.NoError(t, f.engine.Prompt(domain.EventCloseDNSPrompt, ""))
	require.NoError(t, f.engine.Prompt(domain.EventShowDelayForPrimeDelete, "blockedApps-->steam.exe"))
	assert.Equal(t, []any{map[string]any{"settingId": "blockedApps-->steam.exe"}}, f.events.of(domain.EventShowDelayForPrimeDelete))

	assert.ErrorIs(t, f.engine.Prompt(domain.EventFlagApp, ""), ErrUnknownPrompt)
}

func TestEngine_MissingCapabilities(t *testing.T) {
	cache := store.NewCache(store.NewFileStore(t.TempDir(), nil, nil), nil, nil)
	e := NewEngine(Deps{Cache: cache, Notifier: &recorder{}}, nil)

	_, err := e.IsDNSSafe(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = e.EnableProtection()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = e.InstalledApps()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, e.ProtectionRunning())
}

func TestEngine_ReactivateAndShutdown(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.cache.Update(store.Preferences, func(m store.Map) error {
		m[settings.KeyProtection] = true
		return nil
	}))

	require.NoError(t, f.engine.Reactivate())
	assert.True(t, f.monitor.Running())

	f.engine.Shutdown()
	assert.False(t, f.monitor.Running())
	assert.Equal(t, 0, f.monitor.disables, "shutdown keeps the reboot registration")
}
