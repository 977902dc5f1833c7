package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// CloserConfig controls how long CloseApp waits for a process to go away.
type CloserConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultCloserConfig polls every 5s for up to a minute.
func DefaultCloserConfig() CloserConfig {
	return CloserConfig{PollInterval: 5 * time.Second, Timeout: 60 * time.Second}
}

// AppCloser terminates a running app on the user's request.
type AppCloser struct {
	processes domain.ProcessManager
	config    CloserConfig
	logger    *zap.Logger
}

// NewAppCloser creates a closer.
func NewAppCloser(pm domain.ProcessManager, config CloserConfig, logger *zap.Logger) *AppCloser {
	def := DefaultCloserConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppCloser{processes: pm, config: config, logger: logger}
}

// Close kills every process named processName and waits until none remain
// or the timeout passes. StillAlive reports the latter.
func (c *AppCloser) Close(ctx context.Context, processName string) (domain.CloseResult, error) {
	start := time.Now()
	result := domain.CloseResult{ProcessName: processName, KilledPIDs: make([]int, 0)}

	pids, err := c.processes.FindByName(processName)
	if err != nil {
		return result, fmt.Errorf("failed to find processes: %w", err)
	}

	for _, pid := range pids {
		if err := c.processes.Kill(pid); err != nil {
			c.logger.Warn("failed to kill process",
				zap.Int("pid", pid),
				zap.String("process", processName),
				zap.Error(err))
			continue
		}
		c.logger.Info("killed process",
			zap.Int("pid", pid),
			zap.String("process", processName))
		result.KilledPIDs = append(result.KilledPIDs, pid)
	}

	deadline := time.NewTimer(c.config.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		if remaining, err := c.processes.FindByName(processName); err == nil && len(remaining) == 0 {
			result.Elapsed = time.Since(start)
			return result, nil
		}

		select {
		case <-ctx.Done():
			result.StillAlive = true
			result.Elapsed = time.Since(start)
			return result, ctx.Err()
		case <-deadline.C:
			result.StillAlive = true
			result.Elapsed = time.Since(start)
			c.logger.Warn("process still running after close",
				zap.String("process", processName),
				zap.Duration("waited", result.Elapsed))
			return result, nil
		case <-ticker.C:
		}
	}
}
