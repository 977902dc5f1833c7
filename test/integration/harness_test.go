//go:build integration

package integration

import (
	"context"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/events"
	"github.com/eliteGoblin/focusd/delay_guard/internal/monitor"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
	"github.com/eliteGoblin/focusd/delay_guard/internal/timer"
	"github.com/eliteGoblin/focusd/delay_guard/internal/usecase"
)

// daemon wires the real store, timers, monitor and engine over a data dir,
// the way the service does, with the OS collaborators stubbed out.
type daemon struct {
	cache     *store.Cache
	timers    *timer.Registry
	monitor   *monitor.Monitor
	engine    *usecase.Engine
	bus       *events.Bus
	processes *fakeProcesses
	events    *collector
}

func startDaemon(dataDir string) *daemon {
	bus := events.NewBus(nil)
	cache := store.NewCache(store.NewFileStore(dataDir, nil, nil), nil, nil)
	timers := timer.NewRegistry(cache, timer.NewApplier(cache, bus, nil), bus, timer.Config{Tick: 5 * time.Millisecond}, nil, nil)
	procs := &fakeProcesses{}

	mon := monitor.New(monitor.Deps{
		Cache:      cache,
		Processes:  procs,
		Windows:    noWindows{},
		Proxy:      noProxy{},
		Extensions: noExtensions{},
		Notifier:   bus,
	}, monitor.Config{Interval: 10 * time.Millisecond, SyncInterval: time.Hour}, nil, nil)

	engine := usecase.NewEngine(usecase.Deps{
		Cache:    cache,
		Timers:   timers,
		Monitor:  mon,
		Hosts:    &memoryHosts{},
		Notifier: bus,
	}, nil)

	d := &daemon{
		cache:     cache,
		timers:    timers,
		monitor:   mon,
		engine:    engine,
		bus:       bus,
		processes: procs,
		events:    newCollector(bus),
	}
	return d
}

func (d *daemon) stop() {
	d.engine.Shutdown()
	d.events.close()
}

// collector records every event published on the bus.
type collector struct {
	mu     sync.Mutex
	seen   []events.Event
	cancel func()
	done   chan struct{}
}

func newCollector(bus *events.Bus) *collector {
	ch, cancel := bus.Subscribe(256)
	c := &collector{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for ev := range ch {
			c.mu.Lock()
			c.seen = append(c.seen, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) close() {
	c.cancel()
	<-c.done
}

func (c *collector) payloads(kind domain.EventKind) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, ev := range c.seen {
		if ev.Kind == kind {
			out = append(out, ev.Payload)
		}
	}
	return out
}

type fakeProcesses struct {
	mu    sync.Mutex
	names []string
}

func (p *fakeProcesses) set(names ...string) {
	p.mu.Lock()
	p.names = names
	p.mu.Unlock()
}

func (p *fakeProcesses) RunningNames() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.names...), nil
}

func (p *fakeProcesses) FindByName(string) ([]int, error) { return nil, nil }
func (p *fakeProcesses) Kill(int) error                   { return nil }
func (p *fakeProcesses) IsRunning(int) bool               { return false }

type noWindows struct{}

func (noWindows) VisibleWindowTitles() ([]string, error) { return nil, nil }

type noProxy struct{}

func (noProxy) ProxyReachable(context.Context) bool { return false }

type noExtensions struct{}

func (noExtensions) VPNExtensions([]string) ([]domain.VPNExtension, error) { return nil, nil }

type memoryHosts struct {
	mu    sync.Mutex
	sites map[string]bool
}

func (h *memoryHosts) SafeSearchEnabled() (bool, error)       { return false, nil }
func (h *memoryHosts) EnableSafeSearch(context.Context) error { return nil }

func (h *memoryHosts) BlockSite(_ context.Context, site string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sites == nil {
		h.sites = make(map[string]bool)
	}
	h.sites[site] = true
	return nil
}

func (h *memoryHosts) UnblockSite(_ context.Context, site string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sites, site)
	return nil
}

var (
	_ domain.ProcessManager   = (*fakeProcesses)(nil)
	_ domain.HostsEditor      = (*memoryHosts)(nil)
	_ domain.WindowLister     = noWindows{}
	_ domain.ProxyDetector    = noProxy{}
	_ domain.ExtensionScanner = noExtensions{}
)
