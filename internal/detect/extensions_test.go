package detect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/delay_guard/test/fixtures"
)

func newScanner(t *testing.T, roots ProfileRoots, now *time.Time) *ChromiumExtensionScanner {
	t.Helper()
	return NewChromiumExtensionScannerWithRoots(roots, time.Minute, func() time.Time { return *now }, nil)
}

func TestExtensionScanner_FindsVPN(t *testing.T) {
	root := t.TempDir()
	fake := fixtures.NewFakeBrowserProfile(root)
	dir, err := fake.Install("Default", fixtures.Extension{
		ID: "vpnext", Version: "1.0.0", Name: "Super VPN", Description: "Free VPN",
		Permissions: []string{"proxy", "storage"},
	})
	require.NoError(t, err)
	_, err = fake.Install("Profile 1", fixtures.Extension{
		ID: "adblock", Version: "2.0", Name: "Ad Blocker", Permissions: []string{"storage"},
	})
	require.NoError(t, err)

	now := time.Now()
	s := newScanner(t, ProfileRoots{"chrome": {root}}, &now)

	exts, err := s.VPNExtensions([]string{"chrome"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "chrome", exts[0].Browser)
	assert.Equal(t, "vpnext", exts[0].ID)
	assert.Equal(t, "Super VPN", exts[0].Name)
	assert.Equal(t, "Default", exts[0].Profile)
	assert.Equal(t, dir, exts[0].ManifestDir)
}

func TestExtensionScanner_RequiresProxyPermission(t *testing.T) {
	root := t.TempDir()
	fake := fixtures.NewFakeBrowserProfile(root)
	_, err := fake.Install("Default", fixtures.Extension{
		ID: "vpnnews", Version: "1", Name: "VPN News Reader", Permissions: []string{"storage"},
	})
	require.NoError(t, err)
	_, err = fake.Install("Default", fixtures.Extension{
		ID: "switcher", Version: "1", Name: "Tab Switcher", Permissions: []string{"proxy"},
	})
	require.NoError(t, err)

	now := time.Now()
	s := newScanner(t, ProfileRoots{"chrome": {root}}, &now)

	exts, err := s.VPNExtensions([]string{"chrome"})
	require.NoError(t, err)
	assert.Empty(t, exts)
}

func TestExtensionScanner_ResolvesLocalizedName(t *testing.T) {
	root := t.TempDir()
	fake := fixtures.NewFakeBrowserProfile(root)
	_, err := fake.Install("Profile 2", fixtures.Extension{
		ID: "hola", Version: "1.2", Name: "__MSG_appName__", Description: "__MSG_appDesc__",
		Permissions: []string{"proxy"},
		Messages:    map[string]string{"appName": "Hola", "appDesc": "Unblock any site"},
	})
	require.NoError(t, err)

	now := time.Now()
	s := newScanner(t, ProfileRoots{"msedge": {root}}, &now)

	exts, err := s.VPNExtensions([]string{"msedge"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "Hola", exts[0].Name)
	assert.Equal(t, "Profile 2", exts[0].Profile)
}

func TestExtensionScanner_CachesUntilTTL(t *testing.T) {
	root := t.TempDir()
	fake := fixtures.NewFakeBrowserProfile(root)
	now := time.Now()
	s := newScanner(t, ProfileRoots{"brave": {root}}, &now)

	exts, err := s.VPNExtensions([]string{"brave"})
	require.NoError(t, err)
	assert.Empty(t, exts)

	_, err = fake.Install("Default", fixtures.Extension{
		ID: "tunnel", Version: "1", Name: "Tunnel Proxy", Permissions: []string{"proxy"},
	})
	require.NoError(t, err)

	exts, _ = s.VPNExtensions([]string{"brave"})
	assert.Empty(t, exts, "cached result within TTL")

	now = now.Add(2 * time.Minute)
	exts, _ = s.VPNExtensions([]string{"brave"})
	assert.Len(t, exts, 1)
}

func TestExtensionScanner_Invalidate(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	s := newScanner(t, ProfileRoots{"chrome": {root}}, &now)
	_, _ = s.VPNExtensions([]string{"chrome"})

	_, err := fixtures.NewFakeBrowserProfile(root).Install("Default", fixtures.Extension{
		ID: "x", Version: "1", Name: "X VPN", Permissions: []string{"proxy"},
	})
	require.NoError(t, err)
	s.Invalidate()

	exts, err := s.VPNExtensions([]string{"chrome"})
	require.NoError(t, err)
	assert.Len(t, exts, 1)
}

func TestExtensionScanner_SkipsUnknownAndMissing(t *testing.T) {
	now := time.Now()
	s := newScanner(t, ProfileRoots{"chrome": {filepath.Join(t.TempDir(), "absent")}}, &now)

	exts, err := s.VPNExtensions([]string{"chrome", "firefox", "palemoon"})
	require.NoError(t, err)
	assert.Empty(t, exts)
}

func TestExtensionScanner_IgnoresBrokenManifest(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Default", "Extensions", "broken", "1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{not json"), 0644))

	now := time.Now()
	s := newScanner(t, ProfileRoots{"chrome": {root}}, &now)

	exts, err := s.VPNExtensions([]string{"chrome"})
	require.NoError(t, err)
	assert.Empty(t, exts)
}

func TestExtensionScanner_OperaLayout(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Extensions", "opvpn", "3.0")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"),
		[]byte(`{"name":"Browser VPN","permissions":["proxy",{"fileSystem":["write"]}]}`), 0644))

	now := time.Now()
	s := newScanner(t, ProfileRoots{"opera": {root}}, &now)

	exts, err := s.VPNExtensions([]string{"opera"})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, filepath.Base(root), exts[0].Profile)
}

func TestDefaultProfileRoots(t *testing.T) {
	roots := DefaultProfileRoots("/home/u", "linux")
	assert.Contains(t, roots["chrome"], "/home/u/.config/google-chrome")

	roots = DefaultProfileRoots("/Users/u", "darwin")
	assert.Equal(t, []string{"/Users/u/Library/Application Support/Google/Chrome"}, roots["chrome"])
}
