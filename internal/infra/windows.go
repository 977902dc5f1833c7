package infra

import (
	"bytes"
	"context"
	"encoding/csv"
	"runtime"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

const windowListTimeout = 5 * time.Second

// tasklist /V column holding the window title.
const tasklistTitleColumn = 8

// WindowListerImpl implements domain.WindowLister using tasklist, osascript or wmctrl.
type WindowListerImpl struct {
	runner CommandRunner
	goos   string
}

// NewWindowLister creates a window lister for the current platform.
func NewWindowLister() *WindowListerImpl {
	return NewWindowListerWithDeps(&RealCommandRunner{}, runtime.GOOS)
}

// NewWindowListerWithDeps creates a lister with injectable dependencies (for testing).
func NewWindowListerWithDeps(runner CommandRunner, goos string) *WindowListerImpl {
	return &WindowListerImpl{runner: runner, goos: goos}
}

// VisibleWindowTitles returns the titles of visible top-level windows.
func (w *WindowListerImpl) VisibleWindowTitles() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), windowListTimeout)
	defer cancel()

	switch w.goos {
	case "windows":
		out, err := w.runner.Output(ctx, "tasklist", "/V", "/FO", "CSV", "/NH")
		if err != nil {
			return nil, err
		}
		return parseTasklistTitles(out)
	case "darwin":
		script := `tell application "System Events" to get name of every window of (every process whose visible is true)`
		out, err := w.runner.Output(ctx, "osascript", "-e", script)
		if err != nil {
			return nil, err
		}
		return parseAppleScriptList(out), nil
	default:
		out, err := w.runner.Output(ctx, "wmctrl", "-l")
		if err != nil {
			return nil, err
		}
		return parseWmctrl(out), nil
	}
}

func parseTasklistTitles(out []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	var titles []string
	for _, rec := range records {
		if len(rec) <= tasklistTitleColumn {
			continue
		}
		title := strings.TrimSpace(rec[tasklistTitleColumn])
		if title == "" || title == "N/A" {
			continue
		}
		titles = append(titles, title)
	}
	return titles, nil
}

// parseAppleScriptList splits osascript's flattened "a, b, c" list output.
func parseAppleScriptList(out []byte) []string {
	var titles []string
	for _, part := range strings.Split(strings.TrimSpace(string(out)), ", ") {
		if t := strings.TrimSpace(part); t != "" && t != "missing value" {
			titles = append(titles, t)
		}
	}
	return titles
}

// parseWmctrl reads "wmctrl -l" lines: id, desktop, host, then the title.
func parseWmctrl(out []byte) []string {
	var titles []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		titles = append(titles, strings.Join(fields[3:], " "))
	}
	return titles
}

// Ensure WindowListerImpl implements domain.WindowLister.
var _ domain.WindowLister = (*WindowListerImpl)(nil)
