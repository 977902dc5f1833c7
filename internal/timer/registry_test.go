package timer

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
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

func (r *recorder) count(kind domain.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) countFor(kind domain.EventKind, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if p, ok := e.payload.(map[string]any); ok && e.kind == kind && p["settingId"] == key {
			n++
		}
	}
	return n
}

type fixture struct {
	cache    *store.Cache
	notes    *recorder
	registry *Registry
}

func newFixture(t *testing.T, delayMillis int, cfg Config) *fixture {
	t.Helper()
	fs := store.NewFileStore(t.TempDir(), zap.NewNop(), nil)
	cache := store.NewCache(fs, zap.NewNop(), nil)
	require.NoError(t, cache.Put(store.Preferences, store.Map{settings.KeyDelayTimeout: delayMillis}))

	notes := &recorder{}
	applier := NewApplier(cache, notes, zap.NewNop())
	reg := NewRegistry(cache, applier, notes, cfg, zap.NewNop(), nil)
	t.Cleanup(reg.Shutdown)
	return &fixture{cache: cache, notes: notes, registry: reg}
}

func fastConfig() Config {
	return Config{Tick: 10 * time.Millisecond, Now: time.Now}
}

func frozenConfig(at time.Time) Config {
	return Config{Tick: 10 * time.Millisecond, Now: func() time.Time { return at }}
}

func (f *fixture) entry(t *testing.T, key string) (settings.TimerEntry, bool) {
	t.Helper()
	raw, ok := settings.TimerInfo(f.cache.Get(store.Preferences))[key]
	if !ok {
		return settings.TimerEntry{}, false
	}
	e, ok := settings.ParseTimerEntry(raw)
	return e, ok
}

func TestStart_PersistsEntryAndRuns(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	f := newFixture(t, 60000, frozenConfig(now))

	require.NoError(t, f.registry.Start(StartRequest{Key: settings.KeySafeSearch}))

	e, ok := f.entry(t, settings.KeySafeSearch)
	require.True(t, ok)
	assert.Equal(t, uint64(now.UnixMilli()), e.StartMillis)
	assert.Equal(t, uint64(60000), e.DelayAtChange)
	assert.Nil(t, e.Target)
	assert.Equal(t, []string{settings.KeySafeSearch}, f.registry.Active())
	assert.Equal(t, 1, f.notes.count(domain.EventTimerUpdated))

	// The entry is durable, not just cached.
	onDisk, err := f.cache.Store().Read(store.Preferences)
	require.NoError(t, err)
	assert.Contains(t, settings.TimerInfo(onDisk), settings.KeySafeSearch)
}

func TestStart_EmptyKeyRejected(t *testing.T) {
	f := newFixture(t, 1000, fastConfig())
	assert.ErrorIs(t, f.registry.Start(StartRequest{}), ErrEmptyKey)
}

func TestStart_ReplacesRunningTimerForSameKey(t *testing.T) {
	f := newFixture(t, 60000, fastConfig())
	require.NoError(t, f.registry.Start(StartRequest{Key: "k"}))

	f.registry.mu.Lock()
	first := f.registry.timers["k"]
	f.registry.mu.Unlock()

	require.NoError(t, f.registry.Start(StartRequest{Key: "k"}))

	select {
	case <-first.done:
	default:
		t.Fatal("previous countdown still running")
	}
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	assert.Len(t, f.registry.timers, 1)
	assert.NotSame(t, first, f.registry.timers["k"])
}

func TestStart_ConcurrentStartsLeaveOneLiveTimer(t *testing.T) {
	f := newFixture(t, 60000, fastConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.registry.Start(StartRequest{Key: "k"}))
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"k"}, f.registry.Active())
}

func TestResume_PreservesPersistedStartWithoutWriting(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	f := newFixture(t, 60000, frozenConfig(now))
	original := settings.TimerEntry{StartMillis: 1_700_000_080_000, DelayAtChange: 60000}
	require.NoError(t, f.cache.Update(store.Preferences, func(m store.Map) error {
		settings.SetTimerEntry(m, "k", original)
		return nil
	}))
	before, err := os.Stat(f.cache.Store().Path(store.Preferences))
	require.NoError(t, err)

	remaining := 40 * time.Second
	require.NoError(t, f.registry.Start(StartRequest{Key: "k", Remaining: &remaining}))

	e, ok := f.entry(t, "k")
	require.True(t, ok)
	assert.Equal(t, original.StartMillis, e.StartMillis)
	after, err := os.Stat(f.cache.Store().Path(store.Preferences))
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "resume must not rewrite the document")
}

func TestResume_WithoutEntryReconstructsStart(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	f := newFixture(t, 10000, frozenConfig(now))

	remaining := 4 * time.Second
	require.NoError(t, f.registry.Start(StartRequest{Key: "k", Remaining: &remaining}))

	e, ok := f.entry(t, "k")
	require.True(t, ok)
	assert.Equal(t, uint64(now.UnixMilli()-6000), e.StartMillis)
	assert.Equal(t, uint64(10000), e.DelayAtChange)
}

func TestExpiry_TurnsSwitchOffAndClearsEntry(t *testing.T) {
	f := newFixture(t, 150, fastConfig())
	require.NoError(t, f.cache.Update(store.Preferences, func(m store.Map) error {
		m[settings.KeySafeSearch] = true
		return nil
	}))

	require.NoError(t, f.registry.Start(StartRequest{Key: settings.KeySafeSearch}))

	require.Eventually(t, func() bool {
		return f.notes.count(domain.EventTimerExpired) == 1
	}, 2*time.Second, 10*time.Millisecond)

	prefs := f.cache.Get(store.Preferences)
	assert.Equal(t, false, prefs[settings.KeySafeSearch])
	assert.NotContains(t, settings.TimerInfo(prefs), settings.KeySafeSearch)
	assert.Empty(t, f.registry.Active())
	assert.Equal(t, 1, f.notes.countFor(domain.EventSettingTurnedOff, settings.KeySafeSearch))
}

func TestExpiry_DelayKeyAppliesPersistedTarget(t *testing.T) {
	f := newFixture(t, 100, fastConfig())

	require.NoError(t, f.registry.Start(StartRequest{Key: settings.KeyDelayTimeout, Target: 30000}))

	require.Eventually(t, func() bool {
		return f.notes.count(domain.EventTimerExpired) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(30000), settings.DelayMillis(f.cache.Get(store.Preferences)))
}

func TestExpiry_CompositeKeyAppendsItem(t *testing.T) {
	f := newFixture(t, 100, fastConfig())
	key := settings.CompositeKey(settings.ListAllowedForUnblockWebsites, "example.com")

	require.NoError(t, f.registry.Start(StartRequest{Key: key}))

	require.Eventually(t, func() bool {
		return f.notes.count(domain.EventTimerExpired) == 1
	}, 2*time.Second, 10*time.Millisecond)
	block := f.cache.Get(store.BlockData)
	assert.Equal(t, []any{"example.com"}, block[settings.ListAllowedForUnblockWebsites])
	assert.Equal(t, 1, f.notes.count(domain.EventBlockDataUpdated))
}

func TestCancel_StopsTimerAndRemovesEntry(t *testing.T) {
	f := newFixture(t, 200, fastConfig())
	require.NoError(t, f.cache.Update(store.Preferences, func(m store.Map) error {
		m[settings.KeyProtection] = true
		return nil
	}))
	require.NoError(t, f.registry.Start(StartRequest{Key: settings.KeyProtection}))

	require.NoError(t, f.registry.Cancel(settings.KeyProtection))

	_, ok := f.entry(t, settings.KeyProtection)
	assert.False(t, ok)
	assert.Empty(t, f.registry.Active())

	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, 0, f.notes.count(domain.EventTimerExpired))
	assert.Equal(t, true, f.cache.Get(store.Preferences)[settings.KeyProtection])
}

func TestCancel_UnknownKeyIsNoop(t *testing.T) {
	f := newFixture(t, 1000, fastConfig())
	assert.NoError(t, f.registry.Cancel("never-started"))
}

func TestExpiry_RacingCancelFiresAtMostOnce(t *testing.T) {
	f := newFixture(t, 0, Config{Tick: time.Millisecond, Now: time.Now})

	for i := 0; i < 30; i++ {
		key := "race-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, f.registry.Start(StartRequest{Key: key}))
		require.NoError(t, f.registry.Cancel(key))
	}
	f.registry.Shutdown()

	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()
	applied := map[string]int{}
	for _, e := range f.notes.events {
		if e.kind == domain.EventSettingTurnedOff {
			applied[e.payload.(map[string]any)["settingId"].(string)]++
		}
	}
	for key, n := range applied {
		assert.Equal(t, 1, n, key)
	}
}

func TestClaim_OnlyOnce(t *testing.T) {
	f := newFixture(t, 60000, fastConfig())
	require.NoError(t, f.registry.Start(StartRequest{Key: "k"}))
	h := f.registry.lookup("k")
	require.NotNil(t, h)

	assert.True(t, f.registry.claim(h))
	assert.False(t, f.registry.claim(h))
	assert.False(t, f.registry.stop("k"), "cancel finds nothing once claimed")
	h.signal()
}

func TestReactivate_AppliesElapsedEntryWithoutLiveTimer(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	f := newFixture(t, 5000, frozenConfig(now))
	require.NoError(t, f.cache.Update(store.Preferences, func(m store.Map) error {
		m[settings.KeyProtectiveDNS] = true
		settings.SetTimerEntry(m, settings.KeyProtectiveDNS, settings.TimerEntry{
			StartMillis: uint64(now.UnixMilli()) - 10000, DelayAtChange: 5000,
		})
		return nil
	}))

	require.NoError(t, f.registry.Reactivate())

	prefs := f.cache.Get(store.Preferences)
	assert.Equal(t, false, prefs[settings.KeyProtectiveDNS])
	assert.NotContains(t, settings.TimerInfo(prefs), settings.KeyProtectiveDNS)
	assert.Empty(t, f.registry.Active())
	assert.Equal(t, 1, f.notes.count(domain.EventTimerExpired))
}

func TestReactivate_ResumesPendingAndSkipsMalformed(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	f := newFixture(t, 60000, frozenConfig(now))
	start := uint64(now.UnixMilli()) - 20000
	require.NoError(t, f.cache.Update(store.Preferences, func(m store.Map) error {
		settings.SetTimerEntry(m, "pending", settings.TimerEntry{StartMillis: start, DelayAtChange: 60000})
		settings.TimerInfo(m)["zero"] = map[string]any{"startTimeStamp": 0}
		settings.TimerInfo(m)["junk"] = "not an object"
		return nil
	}))

	require.NoError(t, f.registry.Reactivate())

	assert.Equal(t, []string{"pending"}, f.registry.Active())
	e, ok := f.entry(t, "pending")
	require.True(t, ok)
	assert.Equal(t, start, e.StartMillis)

	st := f.registry.Status("pending")
	require.NotNil(t, st.TimeRemaining)
	assert.Equal(t, uint64(40000), *st.TimeRemaining)
	// Malformed entries are left alone.
	assert.Contains(t, settings.TimerInfo(f.cache.Get(store.Preferences)), "junk")
}

func TestShutdown_KeepsPersistedEntries(t *testing.T) {
	f := newFixture(t, 60000, fastConfig())
	require.NoError(t, f.registry.Start(StartRequest{Key: "k"}))

	f.registry.Shutdown()

	assert.Empty(t, f.registry.Active())
	_, ok := f.entry(t, "k")
	assert.True(t, ok)
}

func TestStatus_LivePersistedAndIdle(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	f := newFixture(t, 60000, frozenConfig(now))

	idle := f.registry.Status(settings.KeyDelayTimeout)
	assert.False(t, idle.IsChanging)
	assert.Nil(t, idle.TimeRemaining)
	assert.Equal(t, uint64(60000), idle.CurrentTimeout)

	require.NoError(t, f.registry.Start(StartRequest{Key: settings.KeyDelayTimeout, Target: 1000}))
	live := f.registry.Status("DELAYTIMEOUT")
	require.True(t, live.IsChanging)
	assert.Equal(t, uint64(60000), *live.TimeRemaining)
	assert.Equal(t, json.Number("1000"), live.NewValue)
	assert.Equal(t, uint64(60000), *live.DelayTimeOutAtTimeOfChange)

	// After a restart the persisted entry still answers.
	f.registry.Shutdown()
	persisted := f.registry.Status(settings.KeyDelayTimeout)
	require.True(t, persisted.IsChanging)
	assert.Equal(t, uint64(60000), *persisted.TimeRemaining)
	assert.Equal(t, json.Number("1000"), persisted.NewValue)
}
