//go:build !windows

package daemon

import "syscall"

// detachAttrs starts the child in a new session, away from the terminal.
func detachAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
