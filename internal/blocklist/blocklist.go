// Package blocklist reads and mutates the lists held in the block-data document.
package blocklist

import (
	"strings"

	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
)

const exeSuffix = ".exe"

// AppEntry is a blocked or allowed application.
type AppEntry struct {
	ProcessName string `json:"processName"`
	DisplayName string `json:"displayName"`
}

// ParseApp accepts a bare process name or a {processName, displayName} object.
func ParseApp(v any) (AppEntry, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return AppEntry{}, false
		}
		return AppEntry{ProcessName: t, DisplayName: t}, true
	case map[string]any:
		proc, _ := t["processName"].(string)
		if proc == "" {
			return AppEntry{}, false
		}
		display, _ := t["displayName"].(string)
		if display == "" {
			display = proc
		}
		return AppEntry{ProcessName: proc, DisplayName: display}, true
	}
	return AppEntry{}, false
}

// Apps returns the parseable app entries of list, in order.
func Apps(block map[string]any, list string) []AppEntry {
	items, _ := block[list].([]any)
	out := make([]AppEntry, 0, len(items))
	for _, item := range items {
		if app, ok := ParseApp(item); ok {
			out = append(out, app)
		}
	}
	return out
}

// Sites returns the hostnames of list.
func Sites(block map[string]any, list string) []string {
	items, _ := block[list].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsAppList reports whether list holds applications rather than websites.
func IsAppList(list string) bool {
	return list == settings.ListBlockedApps || list == settings.ListAllowedForUnblockApps ||
		strings.HasSuffix(strings.ToLower(list), "apps")
}

// NormalizeProcess lowercases a process name and strips the Windows suffix.
func NormalizeProcess(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(n, exeSuffix)
}

// RunningSet indexes running process names for MatchRunning.
type RunningSet map[string]string

// NewRunningSet builds a set keyed by normalized name. The first raw name
// seen for each key is kept for reporting.
func NewRunningSet(names []string) RunningSet {
	set := make(RunningSet, len(names))
	for _, n := range names {
		key := NormalizeProcess(n)
		if key == "" {
			continue
		}
		if _, ok := set[key]; !ok {
			set[key] = n
		}
	}
	return set
}

// MatchRunning returns the running process name matching proc with or
// without the executable suffix, case-insensitively.
func (s RunningSet) MatchRunning(proc string) (string, bool) {
	raw, ok := s[NormalizeProcess(proc)]
	return raw, ok
}

// Has reports whether a process with the given normalized name runs.
func (s RunningSet) Has(proc string) bool {
	_, ok := s.MatchRunning(proc)
	return ok
}

// Contains reports whether item is already present in list, using the list's
// dedup rule.
func Contains(block map[string]any, list, item string) bool {
	items, _ := block[list].([]any)
	return indexOf(items, list, item) >= 0
}

// indexOf finds item in list. App lists compare normalized process names, so
// "notepad" and "Notepad.exe" are the same entry.
func indexOf(items []any, list, item string) int {
	appList := IsAppList(list)
	want := NormalizeProcess(item)
	for i, existing := range items {
		if appList {
			if app, ok := ParseApp(existing); ok && NormalizeProcess(app.ProcessName) == want {
				return i
			}
			continue
		}
		if s, ok := existing.(string); ok && s == item {
			return i
		}
	}
	return -1
}

// Append adds item to list unless already present. It reports whether the
// document changed. A non-array value under list is replaced.
func Append(block map[string]any, list, item string) bool {
	items, ok := block[list].([]any)
	if !ok {
		block[list] = []any{item}
		return true
	}
	if indexOf(items, list, item) >= 0 {
		return false
	}
	block[list] = append(items, item)
	return true
}

// AppendApp adds a structured app entry unless its process name is present.
func AppendApp(block map[string]any, list string, app AppEntry) bool {
	items, _ := block[list].([]any)
	if indexOf(items, list, app.ProcessName) >= 0 {
		return false
	}
	block[list] = append(items, map[string]any{
		"processName": app.ProcessName,
		"displayName": app.DisplayName,
	})
	return true
}

// Remove deletes every occurrence of item from list and reports whether
// anything was removed.
func Remove(block map[string]any, list, item string) bool {
	items, ok := block[list].([]any)
	if !ok {
		return false
	}
	kept := items[:0:0]
	removed := false
	for _, existing := range items {
		if indexOf([]any{existing}, list, item) == 0 {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if removed {
		block[list] = kept
	}
	return removed
}

// Dedupe removes duplicates from every list in the document, keeping the
// first occurrence. It reports whether anything changed.
func Dedupe(block map[string]any) bool {
	changed := false
	for list, v := range block {
		items, ok := v.([]any)
		if !ok {
			continue
		}
		kept := make([]any, 0, len(items))
		for _, item := range items {
			key, ok := dedupKey(list, item)
			if ok && indexOf(kept, list, key) >= 0 {
				changed = true
				continue
			}
			kept = append(kept, item)
		}
		block[list] = kept
	}
	return changed
}

func dedupKey(list string, item any) (string, bool) {
	if IsAppList(list) {
		app, ok := ParseApp(item)
		return app.ProcessName, ok
	}
	s, ok := item.(string)
	return s, ok
}
