package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/kardianos/service"
	"go.uber.org/zap"
)

// ServiceProgram adapts a blocking run function to the service manager's
// Start/Stop callbacks.
type ServiceProgram struct {
	run         func(ctx context.Context) error
	stopTimeout time.Duration
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan error
}

// NewServiceProgram wraps run.
func NewServiceProgram(run func(ctx context.Context) error, logger *zap.Logger) *ServiceProgram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceProgram{run: run, stopTimeout: 30 * time.Second, logger: logger}
}

// Start must not block; the daemon runs on its own goroutine.
func (p *ServiceProgram) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		err := p.run(ctx)
		if err != nil {
			p.logger.Error("daemon exited", zap.Error(err))
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels the daemon and waits for it to wind down.
func (p *ServiceProgram) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case err := <-p.done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(p.stopTimeout):
		return errors.New("daemon did not stop in time")
	}
}

var _ service.Interface = (*ServiceProgram)(nil)
