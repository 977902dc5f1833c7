package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/delay_guard/internal/config"
	"github.com/eliteGoblin/focusd/delay_guard/internal/control"
	"github.com/eliteGoblin/focusd/delay_guard/internal/detect"
	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/events"
	"github.com/eliteGoblin/focusd/delay_guard/internal/infra"
	"github.com/eliteGoblin/focusd/delay_guard/internal/metrics"
	"github.com/eliteGoblin/focusd/delay_guard/internal/monitor"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
	"github.com/eliteGoblin/focusd/delay_guard/internal/timer"
	"github.com/eliteGoblin/focusd/delay_guard/internal/usecase"
)

// Options overrides the OS collaborators. Nil fields use the real
// implementation for the current platform.
type Options struct {
	Version string

	Processes   domain.ProcessManager
	Windows     domain.WindowLister
	Idle        domain.IdleMeter
	Proxy       domain.ProxyDetector
	Extensions  domain.ExtensionScanner
	Persistence domain.PersistenceManager
	DNS         domain.DNSManager
	Hosts       domain.HostsEditor
	Apps        domain.InstalledAppLister
}

// Daemon owns every long-lived component of the running process.
type Daemon struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	cache   *store.Cache
	engine  *usecase.Engine
	server  *control.Server
	secrets *infra.EncryptedSecretStore
	service *infra.ServicePersistence
}

// New builds the daemon from cfg. Nothing runs until Run.
func New(cfg config.Config, opts Options, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	d := &Daemon{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		d.metrics = metrics.New()
	}
	d.bus = events.NewBus(logger.Named("events"))
	d.cache = store.NewCache(store.NewFileStore(cfg.DataDir, logger.Named("store"), d.metrics), logger.Named("cache"), d.metrics)

	timers := timer.NewRegistry(
		d.cache,
		timer.NewApplier(d.cache, d.bus, logger.Named("timer")),
		d.bus,
		timer.Config{Tick: cfg.Timer.Tick},
		logger.Named("timer"),
		d.metrics,
	)

	persistence := opts.Persistence
	var serviceStatus func() string
	if persistence == nil {
		d.service = d.servicePersistence()
		persistence, serviceStatus = d.service, d.service.StatusString
	}

	elevator := infra.NewElevator(logger.Named("elevation"))
	processes := orDefault(opts.Processes, infra.NewProcessManager)
	browsers := detect.NewBrowserCatalog()

	mon := monitor.New(monitor.Deps{
		Cache:     d.cache,
		Processes: processes,
		Windows:   orDefault[domain.WindowLister](opts.Windows, func() domain.WindowLister { return infra.NewWindowLister() }),
		Idle:      orDefault[domain.IdleMeter](opts.Idle, func() domain.IdleMeter { return infra.NewIdleMeter() }),
		Proxy: orDefault[domain.ProxyDetector](opts.Proxy, func() domain.ProxyDetector {
			return detect.NewTorProbe(cfg.Detect.ProxyProbeTimeout, logger.Named("tor"))
		}),
		Extensions: orDefault[domain.ExtensionScanner](opts.Extensions, func() domain.ExtensionScanner {
			return detect.NewChromiumExtensionScanner(cfg.Detect.ExtensionTTL, logger.Named("extensions"))
		}),
		Persistence: persistence,
		Notifier:    d.bus,
		Browsers:    browsers,
	}, monitor.Config{
		Interval:      cfg.Monitor.Interval,
		IdleThreshold: cfg.Monitor.IdleThreshold,
		SyncInterval:  cfg.Monitor.SyncInterval,
		FlagCooldown:  cfg.Monitor.FlagCooldown,
		ProductName:   cfg.Monitor.ProductName,
	}, logger.Named("monitor"), d.metrics)

	d.engine = usecase.NewEngine(usecase.Deps{
		Cache:    d.cache,
		Timers:   timers,
		Monitor:  mon,
		DNS:      orDefault[domain.DNSManager](opts.DNS, func() domain.DNSManager { return infra.NewDNSManager(elevator, logger.Named("dns")) }),
		Hosts:    orDefault[domain.HostsEditor](opts.Hosts, func() domain.HostsEditor { return infra.NewHostsEditor(elevator, logger.Named("hosts")) }),
		Apps:     orDefault[domain.InstalledAppLister](opts.Apps, func() domain.InstalledAppLister { return infra.NewInstalledAppLister(logger.Named("apps")) }),
		Closer:   usecase.NewAppCloser(processes, usecase.DefaultCloserConfig(), logger.Named("closer")),
		Notifier: d.bus,
	}, logger.Named("engine"))

	d.server = control.NewServer(d.engine, d.bus, d.metrics, control.ServerConfig{
		Version:       opts.Version,
		DataDir:       cfg.DataDir,
		ServiceStatus: serviceStatus,
	}, logger.Named("control"))
	return d, nil
}

// servicePersistence opens the secret store for the randomized label. A
// store that cannot be opened falls back to the plain app name.
func (d *Daemon) servicePersistence() *infra.ServicePersistence {
	secrets, err := infra.OpenSecretStore(d.cfg.DataDir)
	var sp *infra.ServicePersistence
	if err != nil {
		d.logger.Warn("secret store unavailable, using default service name", zap.Error(err))
		sp = infra.NewServicePersistence(nil, d.logger.Named("persistence"))
	} else {
		d.secrets = secrets
		sp = infra.NewServicePersistence(secrets, d.logger.Named("persistence"))
	}
	sp.UseLabel(d.cfg.Service.Name)
	return sp
}

// Service returns the reboot registration, or nil when it was overridden.
func (d *Daemon) Service() *infra.ServicePersistence {
	return d.service
}

// Engine exposes the request engine (for testing).
func (d *Daemon) Engine() *usecase.Engine {
	return d.engine
}

// Run resumes persisted countdowns, restarts protection if it was on and
// serves the control API on ln until ctx is cancelled. Shutdown stops the
// monitor and timers but leaves persisted state and the reboot registration.
func (d *Daemon) Run(ctx context.Context, ln net.Listener) error {
	d.logger.Info("daemon starting",
		zap.String("data_dir", d.cfg.DataDir),
		zap.String("addr", ln.Addr().String()))

	if err := d.engine.Reactivate(); err != nil {
		d.logger.Error("some timers could not be restored", zap.Error(err))
	}
	if err := d.cache.ReconcileAll(); err != nil {
		d.logger.Warn("initial reconcile failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Serve(gctx, ln)
	})
	if d.cfg.Watch.Enabled {
		w := NewDocumentWatcher(d.cfg.DataDir, d.cache, d.cfg.Watch.Debounce, d.logger.Named("watcher"))
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				d.logger.Warn("document watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	d.engine.Shutdown()
	if d.secrets != nil {
		if cerr := d.secrets.Close(); cerr != nil {
			d.logger.Warn("failed to close secret store", zap.Error(cerr))
		}
	}
	d.logger.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func orDefault[T any](v T, build func() T) T {
	if any(v) != nil {
		return v
	}
	return build()
}
