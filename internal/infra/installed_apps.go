package infra

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

const installedAppsTimeout = 30 * time.Second

var systemNameHints = []string{
	"update", "redistributable", "runtime", "driver", "package", "patch",
	"microsoft visual c++", ".net",
}

var systemPathHints = []string{`\windows\`, `\system32\`, `\program files\windowsapps`}

const uninstallScript = `$paths = 'HKLM:\Software\Microsoft\Windows\CurrentVersion\Uninstall\*',` +
	`'HKLM:\Software\WOW6432Node\Microsoft\Windows\CurrentVersion\Uninstall\*',` +
	`'HKCU:\Software\Microsoft\Windows\CurrentVersion\Uninstall\*';` +
	`Get-ItemProperty $paths -ErrorAction SilentlyContinue | Where-Object { $_.DisplayName } | ` +
	`Select-Object DisplayName, InstallLocation, DisplayIcon, SystemComponent, ReleaseType | ConvertTo-Json -Compress`

type uninstallEntry struct {
	DisplayName     string `json:"DisplayName"`
	InstallLocation string `json:"InstallLocation"`
	DisplayIcon     string `json:"DisplayIcon"`
	SystemComponent *int   `json:"SystemComponent"`
	ReleaseType     string `json:"ReleaseType"`
}

// InstalledAppListerImpl implements domain.InstalledAppLister.
type InstalledAppListerImpl struct {
	runner CommandRunner
	goos   string
	dirs   []string
	logger *zap.Logger
}

// NewInstalledAppLister creates a lister for the current platform.
func NewInstalledAppLister(logger *zap.Logger) *InstalledAppListerImpl {
	home, _ := os.UserHomeDir()
	var dirs []string
	switch runtime.GOOS {
	case "darwin":
		dirs = []string{"/Applications", filepath.Join(home, "Applications")}
	case "windows":
	default:
		dirs = []string{"/usr/share/applications", filepath.Join(home, ".local", "share", "applications")}
	}
	return NewInstalledAppListerWithDeps(&RealCommandRunner{}, runtime.GOOS, dirs, logger)
}

// NewInstalledAppListerWithDeps creates a lister with injectable dependencies (for testing).
func NewInstalledAppListerWithDeps(runner CommandRunner, goos string, dirs []string, logger *zap.Logger) *InstalledAppListerImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstalledAppListerImpl{runner: runner, goos: goos, dirs: dirs, logger: logger}
}

// InstalledApps returns user-facing applications sorted by display name.
func (l *InstalledAppListerImpl) InstalledApps() ([]domain.InstalledApp, error) {
	var (
		apps []domain.InstalledApp
		err  error
	)
	switch l.goos {
	case "windows":
		apps, err = l.windowsApps()
	case "darwin":
		apps = l.bundleApps()
	default:
		apps = l.desktopApps()
	}
	if err != nil {
		return nil, err
	}
	return dedupeApps(apps), nil
}

func (l *InstalledAppListerImpl) windowsApps() ([]domain.InstalledApp, error) {
	ctx, cancel := context.WithTimeout(context.Background(), installedAppsTimeout)
	defer cancel()

	out, err := l.runner.Output(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", uninstallScript)
	if err != nil {
		return nil, err
	}
	entries, err := parseUninstallEntries(out)
	if err != nil {
		return nil, err
	}

	var apps []domain.InstalledApp
	for _, e := range entries {
		if looksLikeSystemApp(e) {
			continue
		}
		apps = append(apps, domain.InstalledApp{
			DisplayName: e.DisplayName,
			ProcessName: executableFor(e),
			Path:        e.InstallLocation,
		})
	}
	return apps, nil
}

// parseUninstallEntries accepts ConvertTo-Json output, which is an object
// for a single entry and an array otherwise.
func parseUninstallEntries(out []byte) ([]uninstallEntry, error) {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var e uninstallEntry
		if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
			return nil, err
		}
		return []uninstallEntry{e}, nil
	}
	var entries []uninstallEntry
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func looksLikeSystemApp(e uninstallEntry) bool {
	name := strings.ToLower(e.DisplayName)
	if containsAny(name, systemNameHints) {
		return true
	}
	if e.SystemComponent != nil && *e.SystemComponent == 1 {
		return true
	}
	if strings.Contains(strings.ToLower(e.ReleaseType), "update") {
		return true
	}
	return containsAny(strings.ToLower(e.InstallLocation), systemPathHints)
}

// executableFor prefers the icon's executable, then the first .exe in the
// install location.
func executableFor(e uninstallEntry) string {
	icon := strings.Trim(strings.SplitN(e.DisplayIcon, ",", 2)[0], `" `)
	if strings.EqualFold(filepath.Ext(icon), ".exe") {
		return baseName(icon)
	}
	if e.InstallLocation == "" {
		return ""
	}
	entries, err := os.ReadDir(e.InstallLocation)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".exe") {
			return entry.Name()
		}
	}
	return ""
}

// baseName handles both separators so Windows paths parse on any host.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func (l *InstalledAppListerImpl) bundleApps() []domain.InstalledApp {
	var apps []domain.InstalledApp
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".app") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".app")
			apps = append(apps, domain.InstalledApp{
				DisplayName: name,
				ProcessName: name,
				Path:        filepath.Join(dir, e.Name()),
			})
		}
	}
	return apps
}

func (l *InstalledAppListerImpl) desktopApps() []domain.InstalledApp {
	var apps []domain.InstalledApp
	for _, dir := range l.dirs {
		files, _ := filepath.Glob(filepath.Join(dir, "*.desktop"))
		for _, f := range files {
			if app, ok := parseDesktopFile(f); ok {
				apps = append(apps, app)
			}
		}
	}
	return apps
}

func parseDesktopFile(path string) (domain.InstalledApp, bool) {
	f, err := os.Open(path)
	if err != nil {
		return domain.InstalledApp{}, false
	}
	defer f.Close()

	var (
		app     = domain.InstalledApp{Path: path}
		inEntry bool
		hidden  bool
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") {
			inEntry = line == "[Desktop Entry]"
			continue
		}
		if !inEntry {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "Name":
			app.DisplayName = value
		case "Exec":
			if fields := strings.Fields(value); len(fields) > 0 {
				app.ProcessName = filepath.Base(fields[0])
			}
		case "NoDisplay", "Hidden":
			hidden = hidden || value == "true"
		}
	}
	if hidden || app.DisplayName == "" {
		return domain.InstalledApp{}, false
	}
	return app, true
}

func dedupeApps(apps []domain.InstalledApp) []domain.InstalledApp {
	seen := make(map[string]bool, len(apps))
	out := make([]domain.InstalledApp, 0, len(apps))
	for _, a := range apps {
		key := strings.ToLower(a.DisplayName)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	return out
}

// Ensure InstalledAppListerImpl implements domain.InstalledAppLister.
var _ domain.InstalledAppLister = (*InstalledAppListerImpl)(nil)
