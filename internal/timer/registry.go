// Package timer runs the delayed-change countdowns, one per setting key.
package timer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/metrics"
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
)

// ErrEmptyKey is returned when a timer operation is given a blank key.
var ErrEmptyKey = errors.New("setting key must not be empty")

// Config holds registry timing.
type Config struct {
	Tick time.Duration    // How often a countdown re-checks its deadline
	Now  func() time.Time // Clock, overridable in tests
}

// DefaultConfig returns a one-second tick on the wall clock.
func DefaultConfig() Config {
	return Config{Tick: time.Second, Now: time.Now}
}

// StartRequest describes a countdown to start or resume.
type StartRequest struct {
	Key string
	// Remaining is set when resuming; nil starts a full-length countdown.
	Remaining *time.Duration
	// Target is the value to apply on expiry (delay key only).
	Target any
}

type handle struct {
	key           string
	startMillis   uint64
	deadline      time.Time
	target        any
	delayAtChange uint64

	stop     chan struct{}
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func (h *handle) signal() {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		close(h.stop)
	})
}

// Registry owns the live countdowns. At most one runs per key.
type Registry struct {
	cache    *store.Cache
	applier  *Applier
	notifier domain.Notifier
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	timers map[string]*handle
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(
	cache *store.Cache,
	applier *Applier,
	notifier domain.Notifier,
	config Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Registry {
	if config.Tick <= 0 {
		config.Tick = time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cache:    cache,
		applier:  applier,
		notifier: notifier,
		config:   config,
		logger:   logger,
		metrics:  m,
		timers:   make(map[string]*handle),
	}
}

// Start begins (or resumes) the countdown for req.Key, replacing any live one.
func (r *Registry) Start(req StartRequest) error {
	if req.Key == "" {
		return ErrEmptyKey
	}
	r.stop(req.Key)

	now := r.config.Now()
	nowMillis := uint64(now.UnixMilli())
	prefs := r.cache.Get(store.Preferences)
	configured := settings.DelayMillis(prefs)

	var (
		entry     settings.TimerEntry
		remaining time.Duration
		persist   bool
	)

	if req.Remaining == nil {
		entry = settings.TimerEntry{StartMillis: nowMillis, Target: req.Target, DelayAtChange: configured}
		remaining = time.Duration(configured) * time.Millisecond
		persist = true
	} else {
		remaining = max(*req.Remaining, 0)
		existing, ok := settings.ParseTimerEntry(settings.TimerInfo(prefs)[req.Key])
		if ok && existing.StartMillis > 0 {
			entry = existing
		} else {
			// No entry to resume from: back-date the start so that
			// now - start == configured - remaining.
			elapsed := int64(configured) - remaining.Milliseconds()
			start := int64(nowMillis) - max(elapsed, 0)
			entry = settings.TimerEntry{StartMillis: uint64(max(start, 0)), Target: req.Target, DelayAtChange: configured}
			persist = true
		}
	}

	if persist {
		err := r.cache.Update(store.Preferences, func(m store.Map) error {
			settings.SetTimerEntry(m, req.Key, entry)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to persist timer %q: %w", req.Key, err)
		}
	}

	h := &handle{
		key:           req.Key,
		startMillis:   entry.StartMillis,
		deadline:      now.Add(remaining),
		target:        entry.Target,
		delayAtChange: entry.DelayAtChange,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	r.insert(h)

	r.logger.Info("timer started",
		zap.String("key", req.Key),
		zap.Duration("remaining", remaining),
		zap.Bool("resumed", req.Remaining != nil),
		zap.Bool("persisted", persist))
	r.notifier.Emit(domain.EventTimerUpdated, map[string]any{"settingId": req.Key})
	return nil
}

// insert registers h, stopping anything a concurrent Start slipped in.
func (r *Registry) insert(h *handle) {
	r.mu.Lock()
	for {
		old, ok := r.timers[h.key]
		if !ok {
			break
		}
		delete(r.timers, h.key)
		r.mu.Unlock()
		old.signal()
		<-old.done
		r.mu.Lock()
	}
	r.timers[h.key] = h
	r.wg.Add(1)
	count := len(r.timers)
	r.mu.Unlock()

	r.metrics.SetActiveTimers(count)
	go r.run(h)
}

// stop removes, signals and joins the live countdown for key, if any.
// The join happens outside the lock.
func (r *Registry) stop(key string) bool {
	r.mu.Lock()
	h, ok := r.timers[key]
	if ok {
		delete(r.timers, key)
	}
	count := len(r.timers)
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.signal()
	<-h.done
	r.metrics.SetActiveTimers(count)
	r.logger.Debug("timer stopped", zap.String("key", key))
	return true
}

// Cancel stops the countdown for key and forgets its persisted entry.
// Unknown keys are a successful no-op.
func (r *Registry) Cancel(key string) error {
	stopped := r.stop(key)

	err := r.cache.Update(store.Preferences, func(m store.Map) error {
		if !settings.RemoveTimerEntry(m, key) {
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove timer %q: %w", key, err)
	}

	r.logger.Info("timer cancelled", zap.String("key", key), zap.Bool("was_running", stopped))
	r.notifier.Emit(domain.EventTimerUpdated, map[string]any{"settingId": key})
	return nil
}

func (r *Registry) run(h *handle) {
	defer r.wg.Done()
	defer close(h.done)

	ticker := time.NewTicker(r.config.Tick)
	defer ticker.Stop()

	for {
		if h.stopped.Load() {
			return
		}
		if !r.config.Now().Before(h.deadline) {
			r.expire(h)
			return
		}
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
	}
}

// claim removes h from the table if it is still the live countdown for its
// key. Whoever removes a handle owns its outcome, so a racing Cancel and an
// expiry never both act.
func (r *Registry) claim(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.stopped.Load() || r.timers[h.key] != h {
		return false
	}
	delete(r.timers, h.key)
	r.metrics.SetActiveTimers(len(r.timers))
	return true
}

func (r *Registry) expire(h *handle) {
	if !r.claim(h) {
		return
	}

	target := h.target
	err := r.cache.Update(store.Preferences, func(m store.Map) error {
		entry, ok := settings.ParseTimerEntry(settings.TimerInfo(m)[h.key])
		// A newer countdown for the same key owns the entry now.
		if !ok || entry.StartMillis != h.startMillis {
			return store.ErrNoChange
		}
		target = entry.Target
		settings.RemoveTimerEntry(m, h.key)
		return nil
	})
	if err != nil {
		r.logger.Error("failed to clear expired timer entry", zap.String("key", h.key), zap.Error(err))
	}

	r.logger.Info("timer expired", zap.String("key", h.key))
	r.finish(h.key, target)
}

// finish applies the change and announces the expiry.
func (r *Registry) finish(key string, target any) {
	if err := r.applier.Apply(key, target); err != nil {
		r.logger.Error("pending change failed", zap.String("key", key), zap.Error(err))
	}
	r.metrics.TimerExpired()
	r.notifier.Emit(domain.EventTimerExpired, map[string]any{"settingId": key, "targetTimeout": target})
	r.notifier.Emit(domain.EventTimerUpdated, map[string]any{"settingId": key})
}

// Reactivate restores countdowns from persisted entries after a restart.
// Entries still pending resume; entries already due are applied now.
func (r *Registry) Reactivate() error {
	prefs := r.cache.Get(store.Preferences)
	info := settings.TimerInfo(prefs)
	if len(info) == 0 {
		return nil
	}
	configured := settings.DelayMillis(prefs)
	nowMillis := uint64(r.config.Now().UnixMilli())

	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		entry, ok := settings.ParseTimerEntry(info[key])
		if !ok || entry.StartMillis == 0 {
			r.logger.Warn("skipping malformed timer entry", zap.String("key", key))
			continue
		}

		deadline := entry.DeadlineMillis(configured)
		if nowMillis < deadline {
			remaining := time.Duration(deadline-nowMillis) * time.Millisecond
			if err := r.Start(StartRequest{Key: key, Remaining: &remaining, Target: entry.Target}); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		r.logger.Info("timer elapsed while stopped, applying", zap.String("key", key))
		if err := r.applier.Apply(key, entry.Target); err != nil {
			errs = append(errs, err)
			continue
		}
		err := r.cache.Update(store.Preferences, func(m store.Map) error {
			if !settings.RemoveTimerEntry(m, key) {
				return store.ErrNoChange
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to clear timer %q: %w", key, err))
		}
		r.metrics.TimerExpired()
		r.notifier.Emit(domain.EventTimerExpired, map[string]any{"settingId": key, "targetTimeout": entry.Target})
	}
	return errors.Join(errs...)
}

// Active returns the keys with a live countdown, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.timers))
	for k := range r.timers {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Shutdown stops every countdown and waits for in-flight expiries.
// Persisted entries are left for the next Reactivate.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.timers))
	for k, h := range r.timers {
		handles = append(handles, h)
		delete(r.timers, k)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.signal()
	}
	r.wg.Wait()
	r.metrics.SetActiveTimers(0)
	r.logger.Info("timers stopped", zap.Int("count", len(handles)))
}

// lookup finds a live handle by exact key, then case-insensitively.
func (r *Registry) lookup(key string) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.timers[key]; ok {
		return h
	}
	for k, h := range r.timers {
		if strings.EqualFold(k, key) {
			return h
		}
	}
	return nil
}
