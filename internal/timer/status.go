package timer

import (
	"github.com/eliteGoblin/focusd/delay_guard/internal/settings"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
)

// ChangeStatus is the answer to "is this setting mid-countdown?".
type ChangeStatus struct {
	CurrentTimeout             uint64  `json:"currentTimeout"`
	IsChanging                 bool    `json:"isChanging"`
	TimeRemaining              *uint64 `json:"timeRemaining"` // milliseconds
	NewValue                   any     `json:"newValue"`
	DelayTimeOutAtTimeOfChange *uint64 `json:"delayTimeOutAtTimeOfChange"`
}

// Status reports the countdown state of key. A live countdown is preferred;
// otherwise the persisted entry is used, which covers the window after a
// restart before Reactivate has run.
func (r *Registry) Status(key string) ChangeStatus {
	prefs := r.cache.Get(store.Preferences)
	status := ChangeStatus{CurrentTimeout: settings.DelayMillis(prefs)}
	now := r.config.Now()

	if h := r.lookup(key); h != nil {
		remaining := uint64(max(h.deadline.Sub(now).Milliseconds(), 0))
		delayAt := h.delayAtChange
		status.IsChanging = true
		status.TimeRemaining = &remaining
		status.NewValue = h.target
		status.DelayTimeOutAtTimeOfChange = &delayAt
		if entry, _, ok := settings.LookupTimerEntry(prefs, h.key); ok && entry.StartMillis == h.startMillis {
			status.NewValue = entry.Target
		}
		return status
	}

	entry, _, ok := settings.LookupTimerEntry(prefs, key)
	if !ok || entry.StartMillis == 0 {
		return status
	}
	deadline := entry.DeadlineMillis(status.CurrentTimeout)
	nowMillis := uint64(now.UnixMilli())
	var remaining uint64
	if deadline > nowMillis {
		remaining = deadline - nowMillis
	}
	delayAt := entry.DelayAtChange
	if delayAt == 0 {
		delayAt = status.CurrentTimeout
	}
	status.IsChanging = true
	status.TimeRemaining = &remaining
	status.NewValue = entry.Target
	status.DelayTimeOutAtTimeOfChange = &delayAt
	return status
}
