// Package policy catalogs the system utilities the protection monitor guards.
// Each utility (Task Manager, management console, Control Panel) has its own
// policy defining which process names identify it.
package policy

import "strings"

// UtilityPolicy defines the strategy interface for a protected utility.
type UtilityPolicy interface {
	// ID returns unique identifier (e.g., "task-manager").
	ID() string

	// Name returns human-readable name shown on the overlay.
	Name() string

	// ProcessPatterns returns executable names identifying the utility.
	// Patterns are matched case-insensitively with any ".exe" suffix ignored.
	ProcessPatterns() []string
}

// Match is a running process recognized as a protected utility.
type Match struct {
	Policy      UtilityPolicy
	ProcessName string
}

// Matches reports whether process is one of p's executables.
func Matches(p UtilityPolicy, process string) bool {
	name := normalize(process)
	for _, pattern := range p.ProcessPatterns() {
		if name == normalize(pattern) {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
}
