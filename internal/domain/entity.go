// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// FlagCode identifies why the protection monitor raised a flag.
type FlagCode string

const (
	FlagUninstallerWindow  FlagCode = "uninstaller-window-detected"
	FlagProtectedSystemApp FlagCode = "protected-system-app"
	FlagBlockedApp         FlagCode = "blocked-app"
	FlagBrowserWithProxy   FlagCode = "browser-with-proxy"
	FlagBrowserWithVPN     FlagCode = "browser-with-vpn"
)

// Flag is a circumvention attempt detected by one monitor cycle.
// Serialized as the "flag-app-with-overlay" payload.
type Flag struct {
	DisplayName string   `json:"displayName"`
	ProcessName string   `json:"processName"`
	Code        FlagCode `json:"code"`
}

// EventKind names a notification delivered to the UI layer.
type EventKind string

const (
	EventPreferencesUpdated EventKind = "preferences-updated"
	EventBlockDataUpdated   EventKind = "block-data-updated"
	EventTimerUpdated       EventKind = "timer-updated"
	EventTimerExpired       EventKind = "timer-expired"
	EventSettingTurnedOff   EventKind = "turn-off-setting"
	EventFlagApp            EventKind = "flag-app-with-overlay"
	EventCloseOverlay       EventKind = "close_overlay_window_prompted"

	// UI prompts relayed verbatim from the control API.
	EventCloseConfirmPrompt      EventKind = "close_confirm_modal_prompt"
	EventCloseDNSPrompt          EventKind = "close_dns_modal_prompt"
	EventShowDelayForPrimeDelete EventKind = "show_delay_for_prime_deletion"
)

// PromptEvents lists the prompt kinds the UI may ask the daemon to relay.
var PromptEvents = []EventKind{
	EventCloseOverlay,
	EventCloseConfirmPrompt,
	EventCloseDNSPrompt,
	EventShowDelayForPrimeDelete,
}

// InstalledApp is an application discovered on the machine.
type InstalledApp struct {
	DisplayName string `json:"displayName"`
	ProcessName string `json:"processName,omitempty"`
	Path        string `json:"path,omitempty"`
}

// VPNExtension is a browser extension that looks like a VPN or proxy tool.
type VPNExtension struct {
	Browser     string // process name of the owning browser, e.g. "chrome"
	ID          string
	Name        string
	Profile     string
	ManifestDir string
}

// CloseResult captures what happened when a running app was closed on request.
type CloseResult struct {
	ProcessName string        `json:"processName"`
	KilledPIDs  []int         `json:"killedPids"`
	StillAlive  bool          `json:"stillAlive"`
	Elapsed     time.Duration `json:"elapsedNs"`
}
