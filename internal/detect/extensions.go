package detect

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// DefaultExtensionTTL bounds how often a browser's profiles are rescanned.
const DefaultExtensionTTL = 5 * time.Minute

var vpnKeywords = []string{"vpn", "proxy", "unblock", "tunnel", "hide ip", "hide my ip", "anonym", "change ip", "geo"}

// ProfileRoots maps a browser id to its user-data directories.
type ProfileRoots map[string][]string

// DefaultProfileRoots returns the Chromium user-data locations for goos.
func DefaultProfileRoots(home, goos string) ProfileRoots {
	switch goos {
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		if local == "" {
			local = filepath.Join(home, "AppData", "Local")
		}
		roaming := os.Getenv("APPDATA")
		if roaming == "" {
			roaming = filepath.Join(home, "AppData", "Roaming")
		}
		return ProfileRoots{
			"chrome":  {filepath.Join(local, "Google", "Chrome", "User Data")},
			"msedge":  {filepath.Join(local, "Microsoft", "Edge", "User Data")},
			"brave":   {filepath.Join(local, "BraveSoftware", "Brave-Browser", "User Data")},
			"vivaldi": {filepath.Join(local, "Vivaldi", "User Data")},
			"opera":   {filepath.Join(roaming, "Opera Software", "Opera Stable")},
		}
	case "darwin":
		support := filepath.Join(home, "Library", "Application Support")
		return ProfileRoots{
			"chrome":  {filepath.Join(support, "Google", "Chrome")},
			"msedge":  {filepath.Join(support, "Microsoft Edge")},
			"brave":   {filepath.Join(support, "BraveSoftware", "Brave-Browser")},
			"vivaldi": {filepath.Join(support, "Vivaldi")},
			"opera":   {filepath.Join(support, "com.operasoftware.Opera")},
		}
	default:
		cfg := filepath.Join(home, ".config")
		return ProfileRoots{
			"chrome":  {filepath.Join(cfg, "google-chrome"), filepath.Join(cfg, "chromium")},
			"msedge":  {filepath.Join(cfg, "microsoft-edge")},
			"brave":   {filepath.Join(cfg, "BraveSoftware", "Brave-Browser")},
			"vivaldi": {filepath.Join(cfg, "vivaldi")},
			"opera":   {filepath.Join(cfg, "opera")},
		}
	}
}

type manifest struct {
	Name                string   `json:"name"`
	Description         string   `json:"description"`
	DefaultLocale       string   `json:"default_locale"`
	Permissions         []any    `json:"permissions"`
	OptionalPermissions []any    `json:"optional_permissions"`
	HostPermissions     []string `json:"host_permissions"`
}

type scanResult struct {
	at   time.Time
	exts []domain.VPNExtension
}

// ChromiumExtensionScanner finds installed extensions that can take over the
// browser's proxy settings and advertise themselves as VPNs or unblockers.
type ChromiumExtensionScanner struct {
	roots  ProfileRoots
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]scanResult
}

// NewChromiumExtensionScanner creates a scanner for the current user.
func NewChromiumExtensionScanner(ttl time.Duration, logger *zap.Logger) *ChromiumExtensionScanner {
	home, _ := os.UserHomeDir()
	return NewChromiumExtensionScannerWithRoots(DefaultProfileRoots(home, runtime.GOOS), ttl, time.Now, logger)
}

// NewChromiumExtensionScannerWithRoots creates a scanner over explicit roots (for testing).
func NewChromiumExtensionScannerWithRoots(roots ProfileRoots, ttl time.Duration, now func() time.Time, logger *zap.Logger) *ChromiumExtensionScanner {
	if ttl <= 0 {
		ttl = DefaultExtensionTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromiumExtensionScanner{
		roots:  roots,
		ttl:    ttl,
		now:    now,
		logger: logger,
		cache:  make(map[string]scanResult),
	}
}

// VPNExtensions returns suspicious extensions installed in the given
// browsers. Browsers without known profile roots are skipped.
func (s *ChromiumExtensionScanner) VPNExtensions(browsers []string) ([]domain.VPNExtension, error) {
	var (
		out  []domain.VPNExtension
		errs []error
	)
	for _, id := range browsers {
		exts, err := s.browser(id)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, exts...)
	}
	return out, errors.Join(errs...)
}

func (s *ChromiumExtensionScanner) browser(id string) ([]domain.VPNExtension, error) {
	roots, ok := s.roots[id]
	if !ok {
		return nil, nil
	}

	now := s.now()
	s.mu.Lock()
	if r, ok := s.cache[id]; ok && now.Sub(r.at) < s.ttl {
		s.mu.Unlock()
		return r.exts, nil
	}
	s.mu.Unlock()

	var (
		exts []domain.VPNExtension
		errs []error
	)
	for _, root := range roots {
		found, err := s.scanRoot(id, root)
		if err != nil {
			errs = append(errs, err)
		}
		exts = append(exts, found...)
	}

	s.mu.Lock()
	s.cache[id] = scanResult{at: now, exts: exts}
	s.mu.Unlock()

	if len(exts) > 0 {
		s.logger.Debug("vpn extensions found", zap.String("browser", id), zap.Int("count", len(exts)))
	}
	return exts, errors.Join(errs...)
}

// Invalidate drops cached results so the next call rescans.
func (s *ChromiumExtensionScanner) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]scanResult)
	s.mu.Unlock()
}

func (s *ChromiumExtensionScanner) scanRoot(browser, root string) ([]domain.VPNExtension, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var profiles []string
	// Opera keeps extensions directly under its root.
	if isDir(filepath.Join(root, "Extensions")) {
		profiles = append(profiles, root)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == "Default" || strings.HasPrefix(e.Name(), "Profile ") {
			profiles = append(profiles, filepath.Join(root, e.Name()))
		}
	}

	var out []domain.VPNExtension
	for _, profile := range profiles {
		out = append(out, s.scanProfile(browser, profile)...)
	}
	return out, nil
}

func (s *ChromiumExtensionScanner) scanProfile(browser, profile string) []domain.VPNExtension {
	extRoot := filepath.Join(profile, "Extensions")
	ids, err := os.ReadDir(extRoot)
	if err != nil {
		return nil
	}

	var out []domain.VPNExtension
	for _, id := range ids {
		if !id.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(extRoot, id.Name()))
		if err != nil {
			continue
		}
		// Newest version last; Chromium normally keeps only one.
		sort.Slice(versions, func(i, j int) bool { return versions[i].Name() < versions[j].Name() })
		for i := len(versions) - 1; i >= 0; i-- {
			if !versions[i].IsDir() {
				continue
			}
			dir := filepath.Join(extRoot, id.Name(), versions[i].Name())
			m, ok := readManifest(dir)
			if !ok {
				continue
			}
			if isVPNExtension(m) {
				out = append(out, domain.VPNExtension{
					Browser:     browser,
					ID:          id.Name(),
					Name:        m.Name,
					Profile:     filepath.Base(profile),
					ManifestDir: dir,
				})
			}
			break
		}
	}
	return out
}

func readManifest(dir string) (manifest, bool) {
	var m manifest
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return m, false
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false
	}
	m.Name = localize(dir, m.DefaultLocale, m.Name)
	m.Description = localize(dir, m.DefaultLocale, m.Description)
	return m, true
}

// localize resolves a "__MSG_key__" placeholder from _locales.
func localize(dir, locale, value string) string {
	if !strings.HasPrefix(value, "__MSG_") || !strings.HasSuffix(value, "__") {
		return value
	}
	key := strings.TrimSuffix(strings.TrimPrefix(value, "__MSG_"), "__")
	for _, loc := range []string{locale, "en", "en_US"} {
		if loc == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "_locales", loc, "messages.json"))
		if err != nil {
			continue
		}
		var messages map[string]struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &messages) != nil {
			continue
		}
		for k, v := range messages {
			if strings.EqualFold(k, key) && v.Message != "" {
				return v.Message
			}
		}
	}
	return value
}

func isVPNExtension(m manifest) bool {
	if !hasPermission(m.Permissions, "proxy") && !hasPermission(m.OptionalPermissions, "proxy") {
		return false
	}
	text := strings.ToLower(m.Name + " " + m.Description)
	for _, kw := range vpnKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Permissions may mix strings and objects.
func hasPermission(perms []any, want string) bool {
	for _, p := range perms {
		if s, ok := p.(string); ok && s == want {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Ensure ChromiumExtensionScanner implements domain.ExtensionScanner.
var _ domain.ExtensionScanner = (*ChromiumExtensionScanner)(nil)
