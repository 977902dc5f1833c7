package daemon

import (
	"fmt"
	"os"
	"os/exec"
)

// StartDetached spawns executable with args as a background process that
// outlives the caller. It returns the child's PID.
func StartDetached(executable string, args ...string) (int, error) {
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("failed to locate executable: %w", err)
		}
		executable = exe
	}

	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = detachAttrs()

	// No stdin/stdout/stderr: the daemon logs to its own file.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Release so the child is not reaped with us.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release daemon process: %w", err)
	}
	return pid, nil
}
