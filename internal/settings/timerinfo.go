package settings

import "strings"

// TimerEntry is the persisted form of one pending change under "timerInfo".
type TimerEntry struct {
	StartMillis uint64
	Target      any // nil means JSON null
	// DelayAtChange is zero when the entry predates the field.
	DelayAtChange uint64
}

const (
	fieldStart         = "startTimeStamp"
	fieldTarget        = "targetTimeout"
	fieldDelayAtChange = "delayTimeOutAtTimeOfChange"
)

// Value renders the entry as a JSON object.
func (e TimerEntry) Value() map[string]any {
	return map[string]any{
		fieldStart:         e.StartMillis,
		fieldTarget:        e.Target,
		fieldDelayAtChange: e.DelayAtChange,
	}
}

// DeadlineMillis returns the epoch ms at which the entry is due.
// fallbackDelay is used when the entry did not capture its delay.
func (e TimerEntry) DeadlineMillis(fallbackDelay uint64) uint64 {
	delay := e.DelayAtChange
	if delay == 0 {
		delay = fallbackDelay
	}
	return e.StartMillis + delay
}

// ParseTimerEntry decodes a raw timerInfo value. Malformed values yield ok=false.
func ParseTimerEntry(raw any) (TimerEntry, bool) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return TimerEntry{}, false
	}
	var e TimerEntry
	e.StartMillis, _ = Uint64(obj[fieldStart])
	e.Target = obj[fieldTarget]
	e.DelayAtChange, _ = Uint64(obj[fieldDelayAtChange])
	return e, true
}

// TimerInfo returns the timerInfo object, or nil if absent or malformed.
func TimerInfo(prefs map[string]any) map[string]any {
	info, _ := prefs[KeyTimerInfo].(map[string]any)
	return info
}

// LookupTimerEntry finds the entry for key, falling back to a case-insensitive
// match. The stored key is returned alongside the entry.
func LookupTimerEntry(prefs map[string]any, key string) (TimerEntry, string, bool) {
	info := TimerInfo(prefs)
	if info == nil {
		return TimerEntry{}, "", false
	}
	if raw, ok := info[key]; ok {
		e, ok := ParseTimerEntry(raw)
		return e, key, ok
	}
	for k, raw := range info {
		if strings.EqualFold(k, key) {
			e, ok := ParseTimerEntry(raw)
			return e, k, ok
		}
	}
	return TimerEntry{}, "", false
}

// SetTimerEntry stores e under key, creating timerInfo if needed.
func SetTimerEntry(prefs map[string]any, key string, e TimerEntry) {
	info := TimerInfo(prefs)
	if info == nil {
		info = make(map[string]any)
		prefs[KeyTimerInfo] = info
	}
	info[key] = e.Value()
}

// RemoveTimerEntry deletes the entry for key and reports whether one existed.
func RemoveTimerEntry(prefs map[string]any, key string) bool {
	info := TimerInfo(prefs)
	if info == nil {
		return false
	}
	if _, ok := info[key]; !ok {
		return false
	}
	delete(info, key)
	return true
}
