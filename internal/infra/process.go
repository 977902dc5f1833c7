package infra

import (
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// RunningNames returns the distinct executable names of running processes, sorted.
func (pm *ProcessManagerImpl) RunningNames() ([]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(procs))
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" {
			continue // Process may have exited
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// FindByName returns PIDs of processes whose name equals pattern,
// case-insensitively and with or without the ".exe" suffix.
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	want := normalizeProcess(pattern)
	var found []int
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if normalizeProcess(name) == want {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// Kill terminates a process by PID (SIGKILL / TerminateProcess).
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

func normalizeProcess(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
