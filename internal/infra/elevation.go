package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// Exit codes reported when the user dismisses an elevation prompt.
const (
	uacCancelledExitCode    = 1223 // ERROR_CANCELLED
	pkexecDismissedExitCode = 126
)

var cancelMarkers = []string{
	"elevation canceled",
	"canceled by the user",
	"operation was canceled",
	"user canceled",
	"(-128)",
	"request dismissed",
}

// ElevatorImpl implements domain.Elevator with the platform's consent prompt:
// UAC through PowerShell, osascript administrator privileges or pkexec.
type ElevatorImpl struct {
	runner CommandRunner
	goos   string
	isRoot bool
	logger *zap.Logger
}

// NewElevator creates an elevator for the current platform.
func NewElevator(logger *zap.Logger) *ElevatorImpl {
	return NewElevatorWithDeps(&RealCommandRunner{}, runtime.GOOS, os.Geteuid() == 0, logger)
}

// NewElevatorWithDeps creates an elevator with injectable dependencies (for testing).
func NewElevatorWithDeps(runner CommandRunner, goos string, isRoot bool, logger *zap.Logger) *ElevatorImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElevatorImpl{runner: runner, goos: goos, isRoot: isRoot, logger: logger}
}

// RunElevated runs name with administrator rights, prompting the user if
// needed. A dismissed prompt yields domain.ErrElevationCancelled.
func (e *ElevatorImpl) RunElevated(ctx context.Context, name string, args ...string) error {
	if e.isRoot {
		_, err := e.runner.Output(ctx, name, args...)
		return describe(name, err)
	}

	var (
		prog string
		argv []string
	)
	switch e.goos {
	case "windows":
		prog = "powershell"
		argv = []string{"-NoProfile", "-NonInteractive", "-WindowStyle", "Hidden", "-Command", startProcessScript(name, args)}
	case "darwin":
		prog = "osascript"
		argv = []string{"-e", fmt.Sprintf("do shell script %s with administrator privileges", appleScriptString(shellJoin(name, args)))}
	default:
		prog = "pkexec"
		argv = append([]string{name}, args...)
	}

	e.logger.Info("requesting elevation", zap.String("command", name))
	_, err := e.runner.Output(ctx, prog, argv...)
	if err == nil {
		return nil
	}
	if isCancelled(err) {
		e.logger.Info("elevation canceled by user", zap.String("command", name))
		return domain.ErrElevationCancelled
	}
	return describe(name, err)
}

// startProcessScript builds a PowerShell Start-Process call that waits for
// the elevated child and propagates its exit code.
func startProcessScript(name string, args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = psQuote(a)
	}
	script := "$p = Start-Process -FilePath " + psQuote(name) + " -Verb RunAs -WindowStyle Hidden -Wait -PassThru"
	if len(quoted) > 0 {
		script += " -ArgumentList " + strings.Join(quoted, ",")
	}
	return script + "; exit $p.ExitCode"
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(name string, args []string) string {
	parts := []string{shellQuote(name)}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func isCancelled(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == uacCancelledExitCode || code == pkexecDismissedExitCode {
			return true
		}
		if containsAny(strings.ToLower(string(exitErr.Stderr)), cancelMarkers) {
			return true
		}
	}
	return containsAny(strings.ToLower(err.Error()), cancelMarkers)
}

func describe(name string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("elevated %s failed: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return fmt.Errorf("elevated %s failed: %w", name, err)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Ensure ElevatorImpl implements domain.Elevator.
var _ domain.Elevator = (*ElevatorImpl)(nil)
