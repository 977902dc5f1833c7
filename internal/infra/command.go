// Package infra implements the operating-system capabilities the daemon
// depends on: processes, windows, DNS, hosts, elevation and persistence.
package infra

import (
	"context"
	"os/exec"
)

// CommandRunner abstracts command execution for testing
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes real system commands
type RealCommandRunner struct{}

// Run executes a command and waits for it to complete
func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	return hide(exec.CommandContext(ctx, name, args...)).Run()
}

// Output executes a command and returns its stdout. On failure the returned
// *exec.ExitError carries stderr.
func (r *RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return hide(exec.CommandContext(ctx, name, args...)).Output()
}
