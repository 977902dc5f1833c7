package domain

import (
	"context"
	"time"
)

// Notifier delivers fire-and-forget events to the UI layer.
// Delivery is at-most-once; Emit must never block the caller.
type Notifier interface {
	Emit(kind EventKind, payload any)
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// RunningNames returns the executable names of all running processes.
	RunningNames() ([]string, error)

	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool
}

// WindowLister enumerates titles of visible top-level windows.
type WindowLister interface {
	VisibleWindowTitles() ([]string, error)
}

// IdleMeter measures time since the last user input.
type IdleMeter interface {
	IdleTime() (time.Duration, error)
}

// ProxyDetector reports whether an anonymizing-network local proxy is reachable.
type ProxyDetector interface {
	ProxyReachable(ctx context.Context) bool
}

// ExtensionScanner enumerates browser extensions matching the VPN heuristic.
type ExtensionScanner interface {
	// VPNExtensions returns suspicious extensions installed for the given
	// browser process names. Browsers it cannot inspect are skipped.
	VPNExtensions(browsers []string) ([]VPNExtension, error)
}

// PersistenceManager registers the reboot-persistent relaunch mechanism.
type PersistenceManager interface {
	// Install registers the daemon to start on boot/login.
	Install() error

	// Uninstall removes the registration.
	Uninstall() error

	// IsInstalled checks if the registration is present.
	IsInstalled() bool
}

// DNSManager queries and configures DNS servers on the active interface.
type DNSManager interface {
	// ActiveInterface returns the name of the interface used for DNS.
	ActiveInterface(ctx context.Context) (string, error)

	// IsSafe reports whether the active interface uses a filtering resolver.
	IsSafe(ctx context.Context) (bool, error)

	// Configure points the active interface at the filtering resolvers.
	// Strict selects the stricter family filter.
	Configure(ctx context.Context, strict bool) error
}

// Elevator runs commands with administrator privileges.
// A declined elevation prompt yields ErrElevationCancelled.
type Elevator interface {
	RunElevated(ctx context.Context, name string, args ...string) error
}

// HostsEditor reads and modifies the system hosts file.
type HostsEditor interface {
	SafeSearchEnabled() (bool, error)
	EnableSafeSearch(ctx context.Context) error
	BlockSite(ctx context.Context, site string) error
	UnblockSite(ctx context.Context, site string) error
}

// InstalledAppLister enumerates installed applications.
type InstalledAppLister interface {
	InstalledApps() ([]InstalledApp, error)
}

// SecretStore provides encrypted persistent storage for secrets.
// Secrets are generated once on install and persist across restarts.
type SecretStore interface {
	// GetSecret retrieves a secret by key.
	GetSecret(key string) (string, error)

	// SetSecret stores a secret.
	SetSecret(key, value string) error

	// GetAllSecrets returns all stored secrets.
	GetAllSecrets() (map[string]string, error)

	// Close releases resources (e.g., database connection).
	Close() error
}
