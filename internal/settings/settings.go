// Package settings owns the reserved preference keys and the typed accessors
// used to read them out of the loosely typed preference document.
package settings

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Reserved preference keys.
const (
	KeyDelayTimeout  = "delayTimeOut"
	KeyProtection    = "blockSettingsSwitch"
	KeyProtectiveDNS = "enableProtectiveDNS"
	KeySafeSearch    = "enforceSafeSearch"
	KeyTimerInfo     = "timerInfo"
)

// Block data list keys.
const (
	ListBlockedApps               = "blockedApps"
	ListBlockedWebsites           = "blockedWebsites"
	ListAllowedForUnblockApps     = "allowedForUnblockApps"
	ListAllowedForUnblockWebsites = "allowedForUnblockWebsites"
)

// DefaultDelayMillis is used when the preference is missing or unparseable.
const DefaultDelayMillis uint64 = 180000

const compositeSep = "-->"

// Uint64 converts a decoded JSON value to a non-negative integer.
// Numbers, json.Number and numeric strings are accepted.
func Uint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return nonNegative(i)
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return fromFloat(f)
	case float64:
		return fromFloat(n)
	case float32:
		return fromFloat(float64(n))
	case int:
		return nonNegative(int64(n))
	case int64:
		return nonNegative(n)
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case string:
		s := strings.TrimSpace(n)
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return fromFloat(f)
	}
	return 0, false
}

func nonNegative(i int64) (uint64, bool) {
	if i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func fromFloat(f float64) (uint64, bool) {
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return uint64(f), true
}

// DelayMillis returns the configured delay timeout in milliseconds.
func DelayMillis(prefs map[string]any) uint64 {
	if d, ok := Uint64(prefs[KeyDelayTimeout]); ok {
		return d
	}
	return DefaultDelayMillis
}

// Bool reports whether a feature switch is on. Anything but a JSON true is off.
func Bool(prefs map[string]any, key string) bool {
	b, _ := prefs[key].(bool)
	return b
}

// IsDelayKey reports whether key names the delay timeout itself.
func IsDelayKey(key string) bool {
	return key == KeyDelayTimeout
}

// CompositeKey builds the setting key for a delayed list mutation.
func CompositeKey(list, item string) string {
	return list + compositeSep + item
}

// IsComposite reports whether key carries the list delimiter.
func IsComposite(key string) bool {
	return strings.Contains(key, compositeSep)
}

// ParseCompositeKey splits "list-->item". ok is false when either half is empty.
func ParseCompositeKey(key string) (list, item string, ok bool) {
	list, item, found := strings.Cut(key, compositeSep)
	if !found || list == "" || item == "" {
		return "", "", false
	}
	return list, item, true
}
