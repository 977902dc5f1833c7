package infra

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/kardianos/service"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// ServiceArgs are the arguments the service manager relaunches us with.
var ServiceArgs = []string{"run", "--as-service"}

// ServiceController is the part of service.Service persistence needs.
type ServiceController interface {
	Install() error
	Uninstall() error
	Status() (service.Status, error)
}

// ServiceFactory builds a controller for cfg.
type ServiceFactory func(cfg *service.Config) (ServiceController, error)

// ServicePersistence implements domain.PersistenceManager by registering
// the daemon with launchd, systemd or the Windows service manager.
type ServicePersistence struct {
	secrets    domain.SecretStore
	goos       string
	executable string
	userMode   bool
	factory    ServiceFactory
	logger     *zap.Logger

	mu    sync.Mutex
	label string
}

// NewServicePersistence creates persistence for the running executable.
// Non-root daemons register as per-user services.
func NewServicePersistence(secrets domain.SecretStore, logger *zap.Logger) *ServicePersistence {
	exe, _ := os.Executable()
	return NewServicePersistenceWithDeps(secrets, runtime.GOOS, exe, os.Geteuid() != 0, kardianosFactory, logger)
}

// NewServicePersistenceWithDeps creates persistence with injectable dependencies (for testing).
func NewServicePersistenceWithDeps(secrets domain.SecretStore, goos, executable string, userMode bool, factory ServiceFactory, logger *zap.Logger) *ServicePersistence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServicePersistence{
		secrets:    secrets,
		goos:       goos,
		executable: executable,
		userMode:   userMode && goos != "windows",
		factory:    factory,
		logger:     logger,
	}
}

func kardianosFactory(cfg *service.Config) (ServiceController, error) {
	return service.New(noopProgram{}, cfg)
}

// noopProgram satisfies service.Interface for install-time operations only.
type noopProgram struct{}

func (noopProgram) Start(service.Service) error { return nil }
func (noopProgram) Stop(service.Service) error  { return nil }

// Config returns the service definition used for registration.
func (p *ServicePersistence) Config() (*service.Config, error) {
	label, err := p.Label()
	if err != nil {
		return nil, err
	}
	cfg := &service.Config{
		Name:        label,
		DisplayName: label,
		Description: "Session helper",
		Executable:  p.executable,
		Arguments:   ServiceArgs,
		Option:      service.KeyValue{},
	}
	if p.userMode {
		cfg.Option["UserService"] = true
	}
	if p.goos == "darwin" {
		cfg.Option["KeepAlive"] = true
		cfg.Option["RunAtLoad"] = true
	}
	if p.goos == "linux" {
		cfg.Option["Restart"] = "always"
	}
	return cfg, nil
}

// Label returns the service name, resolving it from the secret store once.
func (p *ServicePersistence) Label() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.label != "" {
		return p.label, nil
	}
	if p.secrets == nil {
		p.label = AppName
		return p.label, nil
	}
	label, err := EnsureServiceLabel(p.secrets, p.goos)
	if err != nil {
		return "", err
	}
	p.label = label
	return label, nil
}

// UseLabel pins the service name instead of the stored random one.
func (p *ServicePersistence) UseLabel(label string) {
	if label == "" {
		return
	}
	p.mu.Lock()
	p.label = label
	p.mu.Unlock()
}

// RunService hands control to the service manager, which calls prog's
// Start and Stop. It blocks until the service is stopped.
func (p *ServicePersistence) RunService(prog service.Interface) error {
	cfg, err := p.Config()
	if err != nil {
		return err
	}
	svc, err := service.New(prog, cfg)
	if err != nil {
		return fmt.Errorf("failed to init service: %w", err)
	}
	return svc.Run()
}

func (p *ServicePersistence) controller() (ServiceController, error) {
	cfg, err := p.Config()
	if err != nil {
		return nil, err
	}
	svc, err := p.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init service: %w", err)
	}
	return svc, nil
}

// Install registers the daemon to start on boot/login.
func (p *ServicePersistence) Install() error {
	svc, err := p.controller()
	if err != nil {
		return err
	}
	if err := svc.Install(); err != nil {
		return fmt.Errorf("failed to install service: %w", err)
	}
	p.logger.Info("persistence registered", zap.String("label", p.label))
	return nil
}

// Uninstall removes the registration.
func (p *ServicePersistence) Uninstall() error {
	svc, err := p.controller()
	if err != nil {
		return err
	}
	if err := svc.Uninstall(); err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			return nil
		}
		return fmt.Errorf("failed to uninstall service: %w", err)
	}
	p.logger.Info("persistence unregistered", zap.String("label", p.label))
	return nil
}

// IsInstalled checks if the registration is present.
func (p *ServicePersistence) IsInstalled() bool {
	svc, err := p.controller()
	if err != nil {
		p.logger.Debug("service unavailable", zap.Error(err))
		return false
	}
	status, err := svc.Status()
	if err != nil {
		return false
	}
	return status != service.StatusUnknown
}

// StatusString describes the registration for the status command.
func (p *ServicePersistence) StatusString() string {
	svc, err := p.controller()
	if err != nil {
		return "unavailable"
	}
	status, err := svc.Status()
	switch {
	case errors.Is(err, service.ErrNotInstalled):
		return "not installed"
	case err != nil:
		return "unknown"
	case status == service.StatusRunning:
		return "running"
	case status == service.StatusStopped:
		return "stopped"
	default:
		return "installed"
	}
}

// Ensure ServicePersistence implements domain.PersistenceManager.
var _ domain.PersistenceManager = (*ServicePersistence)(nil)
