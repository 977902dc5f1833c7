//go:build windows

package infra

import (
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

// hide keeps helper commands from flashing a console window.
func hide(cmd *exec.Cmd) *exec.Cmd {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: createNoWindow}
	return cmd
}
