package detect

import (
	"sort"
	"strings"
)

var knownBrowsers = []string{
	"chrome", "firefox", "msedge", "iexplore", "opera", "brave", "vivaldi", "safari", "tor",
	"waterfox", "palemoon", "seamonkey", "yandex", "maxthon", "ucbrowser", "360chrome",
	"duckduckgo", "chromium", "edge",
}

var browserKeywords = []string{"browser", "web", "chrome", "firefox", "edge", "safari", "internet"}

// Processes that embed a browser engine but are not browsers a user drives.
var webviewHosts = []string{
	"msedgewebview2", "webviewhost", "webkitwebprocess", "com.apple.webkit", "webkit.webcontent",
	"cefsharp.browsersubprocess", "qtwebengineprocess", "steamwebhelper", "crashpad_handler",
	"chrome_crashpad_handler", "webhelper", "web content",
}

// Mainstream browsers whose extensions can be inspected, keyed by the id the
// extension scanner uses.
var mainstream = []string{"chrome", "msedge", "brave", "vivaldi", "opera", "firefox"}

var browserAliases = map[string]string{
	"google chrome":  "chrome",
	"microsoft edge": "msedge",
	"brave browser":  "brave",
	"opera gx":       "opera",
	"firefox-esr":    "firefox",
}

// RunningBrowser is a browser process found in a process listing.
type RunningBrowser struct {
	ID      string // canonical id, e.g. "chrome"
	Process string // name as reported by the process table
}

// BrowserCatalog classifies process names as browsers.
type BrowserCatalog struct {
	extra []string
}

// NewBrowserCatalog creates a catalog; extra names are treated as browsers
// in addition to the built-in list.
func NewBrowserCatalog(extra ...string) *BrowserCatalog {
	c := &BrowserCatalog{}
	for _, e := range extra {
		if n := normalize(e); n != "" {
			c.extra = append(c.extra, n)
		}
	}
	return c
}

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
}

// IsWebviewHost reports whether name is an embedded browser engine host.
func (c *BrowserCatalog) IsWebviewHost(name string) bool {
	n := normalize(name)
	for _, w := range webviewHosts {
		if strings.Contains(n, w) {
			return true
		}
	}
	return false
}

// IsBrowser reports whether name is a user-facing web browser.
func (c *BrowserCatalog) IsBrowser(name string) bool {
	n := normalize(name)
	if n == "" || c.IsWebviewHost(n) {
		return false
	}
	if _, ok := browserAliases[n]; ok {
		return true
	}
	for _, e := range c.extra {
		if n == e {
			return true
		}
	}
	// Prefix rather than substring: "tor" must not match "monitor".
	if hasAnyPrefix(n, knownBrowsers) {
		return true
	}
	for _, kw := range browserKeywords {
		if strings.Contains(n, kw) {
			return true
		}
	}
	return false
}

// Canonical maps a browser process name to its mainstream id, or "".
func (c *BrowserCatalog) Canonical(name string) string {
	n := normalize(name)
	if id, ok := browserAliases[n]; ok {
		return id
	}
	for _, id := range mainstream {
		if n == id || strings.HasPrefix(n, id+" ") {
			return id
		}
	}
	return ""
}

// FirstRunning returns the first browser among running, in sorted order so
// repeated cycles flag the same process.
func (c *BrowserCatalog) FirstRunning(running []string) (string, bool) {
	sorted := append([]string(nil), running...)
	sort.Strings(sorted)
	for _, name := range sorted {
		if c.IsBrowser(name) {
			return name, true
		}
	}
	return "", false
}

// RunningMainstream lists the mainstream browsers among running, one per id.
func (c *BrowserCatalog) RunningMainstream(running []string) []RunningBrowser {
	seen := make(map[string]bool)
	var out []RunningBrowser
	for _, name := range running {
		if c.IsWebviewHost(name) {
			continue
		}
		id := c.Canonical(name)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, RunningBrowser{ID: id, Process: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
