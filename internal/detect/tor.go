// Package detect holds the heuristics the protection monitor decides on:
// anonymizing-proxy presence, browser classification and VPN extensions.
package detect

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// DefaultProxyAddrs are the local ports Tor, Tor Browser and Privoxy listen on.
var DefaultProxyAddrs = []string{"127.0.0.1:9050", "127.0.0.1:9150", "127.0.0.1:8118"}

const (
	DefaultProbeTimeout  = 500 * time.Millisecond
	listenerProbeTimeout = 200 * time.Millisecond
)

var torProcessHints = []string{"tor", "firefox", "torbrowser", "obfs4proxy", "snowflake", "meek", "privoxy"}

var torPorts = map[uint32]bool{9050: true, 9051: true, 9150: true, 9151: true, 8118: true, 9001: true, 9030: true}

// Development servers that commonly listen locally and are not proxies.
var (
	falsePositiveHints = []string{"webstorm", "intellij", "pycharm", "idea", "vscode", "code", "sublime",
		"node", "npm", "yarn", "webpack", "babel", "eslint"}
	falsePositivePorts = map[uint32]bool{63342: true, 3000: true, 8080: true, 8000: true}
)

// Listener is a listening TCP socket and its owning process.
type Listener struct {
	IP      string
	Port    uint32
	PID     int32
	Process string
}

// ListenerSource enumerates listening sockets.
type ListenerSource interface {
	Listeners(ctx context.Context) ([]Listener, error)
}

// SocketListeners implements ListenerSource with gopsutil.
type SocketListeners struct{}

// Listeners returns every TCP socket in LISTEN state.
func (SocketListeners) Listeners(ctx context.Context) ([]Listener, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	out := make([]Listener, 0, len(conns))
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		l := Listener{IP: c.Laddr.IP, Port: c.Laddr.Port, PID: c.Pid}
		if c.Pid > 0 {
			if p, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
				l.Process, _ = p.NameWithContext(ctx)
			}
		}
		out = append(out, l)
	}
	return out, nil
}

// TorCandidates keeps listeners that look Tor-related and are not known
// development tools.
func TorCandidates(ls []Listener) []Listener {
	var out []Listener
	for _, l := range ls {
		name := strings.ToLower(strings.TrimSuffix(strings.ToLower(l.Process), ".exe"))
		if isFalsePositive(name, l.Port) {
			continue
		}
		if torPorts[l.Port] || hasAnyPrefix(name, torProcessHints) {
			out = append(out, l)
		}
	}
	return out
}

func isFalsePositive(name string, port uint32) bool {
	if falsePositivePorts[port] {
		return true
	}
	for _, hint := range falsePositiveHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TorProbe implements domain.ProxyDetector by connecting to well-known Tor
// ports, then to any Tor-looking listener found on the machine.
type TorProbe struct {
	addrs     []string
	timeout   time.Duration
	listeners ListenerSource
	dial      DialFunc
	logger    *zap.Logger
}

// NewTorProbe creates a probe using real sockets.
func NewTorProbe(timeout time.Duration, logger *zap.Logger) *TorProbe {
	return NewTorProbeWithDeps(DefaultProxyAddrs, timeout, SocketListeners{}, nil, logger)
}

// NewTorProbeWithDeps creates a probe with injected dependencies (for testing).
// A nil dial uses net.Dialer; a nil listeners source skips the enhanced pass.
func NewTorProbeWithDeps(addrs []string, timeout time.Duration, listeners ListenerSource, dial DialFunc, logger *zap.Logger) *TorProbe {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TorProbe{addrs: addrs, timeout: timeout, listeners: listeners, dial: dial, logger: logger}
}

// ProxyReachable reports whether any Tor-like local proxy accepts connections.
func (p *TorProbe) ProxyReachable(ctx context.Context) bool {
	for _, addr := range p.addrs {
		if p.reachable(ctx, addr, p.timeout) {
			p.logger.Info("anonymizing proxy detected", zap.String("addr", addr))
			return true
		}
	}

	if p.listeners == nil {
		return false
	}
	ls, err := p.listeners.Listeners(ctx)
	if err != nil {
		p.logger.Debug("listener scan failed", zap.Error(err))
		return false
	}
	for _, l := range TorCandidates(ls) {
		addr := net.JoinHostPort("127.0.0.1", strconv.FormatUint(uint64(l.Port), 10))
		if p.reachable(ctx, addr, listenerProbeTimeout) {
			p.logger.Info("tor-related listener detected",
				zap.String("addr", addr),
				zap.String("process", l.Process))
			return true
		}
	}
	return false
}

func (p *TorProbe) reachable(ctx context.Context, addr string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Ensure TorProbe implements domain.ProxyDetector.
var _ domain.ProxyDetector = (*TorProbe)(nil)
