package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// SafeSearchEntries pin search engines to their safe-search frontends.
var SafeSearchEntries = []string{
	"216.239.38.120 www.google.com",
	"216.239.38.120 google.com",
	"204.79.197.220 bing.com",
	"204.79.197.220 www.bing.com",
	"213.180.193.56 yandex.ru",
	"213.180.204.92 www.yandex.com",
}

const blockAddress = "127.0.0.1"

// DefaultHostsPath returns the hosts file location for goos.
func DefaultHostsPath(goos string) string {
	if goos == "windows" {
		return `C:\Windows\System32\drivers\etc\hosts`
	}
	return "/etc/hosts"
}

// HostsEditorImpl implements domain.HostsEditor. The hosts file is staged in
// a temp file and moved into place with elevation.
type HostsEditorImpl struct {
	path     string
	elevator domain.Elevator
	goos     string
	tmpDir   string
	logger   *zap.Logger
}

// NewHostsEditor creates an editor for the system hosts file.
func NewHostsEditor(elevator domain.Elevator, logger *zap.Logger) *HostsEditorImpl {
	return NewHostsEditorWithPath(DefaultHostsPath(runtime.GOOS), elevator, runtime.GOOS, "", logger)
}

// NewHostsEditorWithPath creates an editor for a custom hosts file (for testing).
func NewHostsEditorWithPath(path string, elevator domain.Elevator, goos, tmpDir string, logger *zap.Logger) *HostsEditorImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostsEditorImpl{path: path, elevator: elevator, goos: goos, tmpDir: tmpDir, logger: logger}
}

// SafeSearchEnabled reports whether every safe-search entry is present.
// An unreadable hosts file counts as disabled.
func (h *HostsEditorImpl) SafeSearchEnabled() (bool, error) {
	content, err := os.ReadFile(h.path)
	if err != nil {
		h.logger.Warn("failed to read hosts file", zap.String("path", h.path), zap.Error(err))
		return false, nil
	}
	for _, entry := range SafeSearchEntries {
		if !strings.Contains(string(content), entry) {
			return false, nil
		}
	}
	return true, nil
}

// EnableSafeSearch appends the missing safe-search entries.
func (h *HostsEditorImpl) EnableSafeSearch(ctx context.Context) error {
	current := h.read()
	var missing []string
	for _, entry := range SafeSearchEntries {
		if !strings.Contains(current, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return h.install(ctx, appendLines(current, missing, h.newline()))
}

// BlockSite maps site to the loopback address.
func (h *HostsEditorImpl) BlockSite(ctx context.Context, site string) error {
	site = strings.TrimSpace(site)
	if site == "" {
		return domain.ErrEmptySite
	}
	current := h.read()
	if siteLine(site).MatchString(current) {
		h.logger.Debug("hosts already blocks site", zap.String("site", site))
		return nil
	}
	return h.install(ctx, appendLines(current, []string{blockAddress + " " + site}, h.newline()))
}

// UnblockSite removes the loopback mapping for site.
func (h *HostsEditorImpl) UnblockSite(ctx context.Context, site string) error {
	site = strings.TrimSpace(site)
	if site == "" {
		return domain.ErrEmptySite
	}
	content, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("failed to read hosts file: %w", err)
	}
	re := siteLine(site)
	updated := re.ReplaceAllString(string(content), "")
	if updated == string(content) {
		h.logger.Debug("hosts has no entry for site", zap.String("site", site))
		return nil
	}
	if err := h.install(ctx, updated); err != nil {
		return err
	}

	after, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("failed to read hosts after update: %w", err)
	}
	if re.Match(after) {
		return errors.New("hosts file still contains entry after elevated update")
	}
	return nil
}

func (h *HostsEditorImpl) read() string {
	content, err := os.ReadFile(h.path)
	if err != nil {
		h.logger.Warn("failed to read hosts file", zap.String("path", h.path), zap.Error(err))
		return ""
	}
	return string(content)
}

// install stages content and moves it over the hosts file with elevation.
func (h *HostsEditorImpl) install(ctx context.Context, content string) error {
	tmp, err := os.CreateTemp(h.tmpDir, "delayguard_hosts_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp hosts file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp hosts file: %w", err)
	}

	if h.goos == "windows" {
		err = h.elevator.RunElevated(ctx, "cmd.exe", "/C", fmt.Sprintf(`move /Y "%s" "%s"`, tmpPath, h.path))
	} else {
		// cp keeps the hosts file's owner and mode.
		err = h.elevator.RunElevated(ctx, "cp", tmpPath, h.path)
	}
	if err != nil {
		return err
	}
	h.logger.Info("hosts file updated", zap.String("path", h.path))
	return nil
}

func (h *HostsEditorImpl) newline() string {
	if h.goos == "windows" {
		return "\r\n"
	}
	return "\n"
}

func siteLine(site string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^[ \t]*127\.0\.0\.1[ \t]+` + regexp.QuoteMeta(site) + `(?:[ \t][^\n]*)?\r?(?:\n|\z)`)
}

func appendLines(current string, lines []string, nl string) string {
	var b strings.Builder
	b.WriteString(current)
	if current != "" && !strings.HasSuffix(current, "\n") {
		b.WriteString(nl)
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString(nl)
	}
	return b.String()
}

// Ensure HostsEditorImpl implements domain.HostsEditor.
var _ domain.HostsEditor = (*HostsEditorImpl)(nil)
