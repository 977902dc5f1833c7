// Package fixtures provides test helpers for detector and integration tests.
package fixtures

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Extension describes an extension to install into a fake browser profile.
type Extension struct {
	ID          string
	Version     string
	Name        string
	Description string
	Permissions []string
	// Messages populates _locales/en/messages.json when set.
	Messages map[string]string
}

// FakeBrowserProfile creates a directory structure mimicking a Chromium
// user-data directory.
type FakeBrowserProfile struct {
	Root string
}

// NewFakeBrowserProfile creates a new fake user-data directory generator.
func NewFakeBrowserProfile(root string) *FakeBrowserProfile {
	return &FakeBrowserProfile{Root: root}
}

// Install writes ext into the named profile ("Default", "Profile 1", ...).
func (f *FakeBrowserProfile) Install(profile string, ext Extension) (string, error) {
	dir := filepath.Join(f.Root, profile, "Extensions", ext.ID, ext.Version)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	manifest := map[string]any{
		"manifest_version": 3,
		"name":             ext.Name,
		"description":      ext.Description,
		"version":          ext.Version,
		"permissions":      ext.Permissions,
	}
	if len(ext.Messages) > 0 {
		manifest["default_locale"] = "en"
		messages := make(map[string]map[string]string, len(ext.Messages))
		for k, v := range ext.Messages {
			messages[k] = map[string]string{"message": v}
		}
		if err := writeJSON(filepath.Join(dir, "_locales", "en", "messages.json"), messages); err != nil {
			return "", err
		}
	}
	if err := writeJSON(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return "", err
	}
	return dir, nil
}

// Exists checks if the user-data directory exists.
func (f *FakeBrowserProfile) Exists() bool {
	_, err := os.Stat(f.Root)
	return err == nil
}

// Cleanup removes the fake user-data directory.
func (f *FakeBrowserProfile) Cleanup() error {
	return os.RemoveAll(f.Root)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
