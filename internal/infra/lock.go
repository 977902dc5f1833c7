package infra

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// DefaultLockAddr is the loopback address whose exclusive bind marks the
// single running instance. The control API is served on the same listener.
const DefaultLockAddr = "127.0.0.1:58859"

// AcquireInstanceLock binds addr. Another process holding it yields
// domain.ErrAlreadyRunning.
func AcquireInstanceLock(addr string) (net.Listener, error) {
	if addr == "" {
		addr = DefaultLockAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) || isAddrInUse(err) {
			return nil, fmt.Errorf("%w (%s)", domain.ErrAlreadyRunning, addr)
		}
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return ln, nil
}

// Windows reports WSAEADDRINUSE, which does not match syscall.EADDRINUSE.
func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return containsAny(strings.ToLower(opErr.Err.Error()), []string{"address already in use", "only one usage of each socket address"})
}
