package infra

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

const idleQueryTimeout = 5 * time.Second

var hidIdleRe = regexp.MustCompile(`"HIDIdleTime"\s*=\s*(\d+)`)

// lastInputScript prints milliseconds since the last keyboard or mouse input.
const lastInputScript = `Add-Type @'
using System;
using System.Runtime.InteropServices;
public static class Idle {
  [StructLayout(LayoutKind.Sequential)] struct LASTINPUTINFO { public uint cbSize; public uint dwTime; }
  [DllImport("user32.dll")] static extern bool GetLastInputInfo(ref LASTINPUTINFO plii);
  public static uint Millis() {
    LASTINPUTINFO l = new LASTINPUTINFO(); l.cbSize = (uint)Marshal.SizeOf(l);
    GetLastInputInfo(ref l); return (uint)Environment.TickCount - l.dwTime;
  }
}
'@
[Idle]::Millis()`

// IdleMeterImpl implements domain.IdleMeter.
type IdleMeterImpl struct {
	runner CommandRunner
	goos   string
}

// NewIdleMeter creates an idle meter for the current platform.
func NewIdleMeter() *IdleMeterImpl {
	return NewIdleMeterWithDeps(&RealCommandRunner{}, runtime.GOOS)
}

// NewIdleMeterWithDeps creates an idle meter with injectable dependencies (for testing).
func NewIdleMeterWithDeps(runner CommandRunner, goos string) *IdleMeterImpl {
	return &IdleMeterImpl{runner: runner, goos: goos}
}

// IdleTime returns how long the user has not touched keyboard or mouse.
func (m *IdleMeterImpl) IdleTime() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), idleQueryTimeout)
	defer cancel()

	switch m.goos {
	case "darwin":
		out, err := m.runner.Output(ctx, "ioreg", "-c", "IOHIDSystem")
		if err != nil {
			return 0, err
		}
		match := hidIdleRe.FindSubmatch(out)
		if match == nil {
			return 0, fmt.Errorf("HIDIdleTime not found")
		}
		ns, err := strconv.ParseInt(string(match[1]), 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(ns), nil
	case "windows":
		out, err := m.runner.Output(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", lastInputScript)
		if err != nil {
			return 0, err
		}
		return parseMillis(out)
	default:
		out, err := m.runner.Output(ctx, "xprintidle")
		if err != nil {
			return 0, err
		}
		return parseMillis(out)
	}
}

func parseMillis(out []byte) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected idle output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Ensure IdleMeterImpl implements domain.IdleMeter.
var _ domain.IdleMeter = (*IdleMeterImpl)(nil)
