//go:build !windows

package infra

import "os/exec"

func hide(cmd *exec.Cmd) *exec.Cmd {
	return cmd
}
