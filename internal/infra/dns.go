package infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// Filtering resolvers. Strict blocks adult content and proxies; lenient
// blocks adult content only.
var (
	StrictResolvers  = []string{"185.228.168.168", "185.228.169.168"} // CleanBrowsing Family
	LenientResolvers = []string{"208.67.222.123", "208.67.220.123"}   // OpenDNS FamilyShield
)

const (
	dnsQueryTimeout   = 10 * time.Second
	probeTimeout      = 2 * time.Second
	probeQuestionName = "example.com."
)

var (
	whitespaceRunRe = regexp.MustCompile(`\s{2,}`)
	ipv4Re          = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// ResolverProbe checks that a resolver answers before the system is pointed at it.
type ResolverProbe struct {
	client *dns.Client
	port   string
}

// NewResolverProbe creates a UDP probe against port 53.
func NewResolverProbe(timeout time.Duration) *ResolverProbe {
	return NewResolverProbeWithPort(timeout, "53")
}

// NewResolverProbeWithPort creates a probe against a custom port (for testing).
func NewResolverProbeWithPort(timeout time.Duration, port string) *ResolverProbe {
	if timeout <= 0 {
		timeout = probeTimeout
	}
	return &ResolverProbe{client: &dns.Client{Net: "udp", Timeout: timeout}, port: port}
}

// Probe sends an A query for a well-known name to server.
func (p *ResolverProbe) Probe(ctx context.Context, server string) error {
	msg := new(dns.Msg)
	msg.SetQuestion(probeQuestionName, dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := p.client.ExchangeContext(ctx, msg, net.JoinHostPort(server, p.port))
	if err != nil {
		return fmt.Errorf("resolver %s unreachable: %w", server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("resolver %s answered %s", server, dns.RcodeToString[resp.Rcode])
	}
	return nil
}

// DNSManagerImpl implements domain.DNSManager with netsh, networksetup or resolvectl.
type DNSManagerImpl struct {
	runner   CommandRunner
	elevator domain.Elevator
	probe    *ResolverProbe
	goos     string
	logger   *zap.Logger
}

// NewDNSManager creates a DNS manager for the current platform.
func NewDNSManager(elevator domain.Elevator, logger *zap.Logger) *DNSManagerImpl {
	return NewDNSManagerWithDeps(&RealCommandRunner{}, elevator, NewResolverProbe(probeTimeout), runtime.GOOS, logger)
}

// NewDNSManagerWithDeps creates a DNS manager with injectable dependencies (for testing).
// A nil probe skips resolver verification.
func NewDNSManagerWithDeps(runner CommandRunner, elevator domain.Elevator, probe *ResolverProbe, goos string, logger *zap.Logger) *DNSManagerImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSManagerImpl{runner: runner, elevator: elevator, probe: probe, goos: goos, logger: logger}
}

// ActiveInterface returns the connected interface (Windows, Linux) or the
// network service (macOS) that carries DNS configuration.
func (m *DNSManagerImpl) ActiveInterface(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dnsQueryTimeout)
	defer cancel()

	switch m.goos {
	case "windows":
		out, err := m.runner.Output(ctx, "netsh", "interface", "show", "interface")
		if err != nil {
			return "", fmt.Errorf("failed to list interfaces: %w", err)
		}
		return parseNetshInterfaces(out)
	case "darwin":
		out, err := m.runner.Output(ctx, "route", "-n", "get", "default")
		if err != nil {
			return "", fmt.Errorf("failed to read default route: %w", err)
		}
		device := fieldAfter(out, "interface:")
		if device == "" {
			return "", errors.New("no active interface found")
		}
		order, err := m.runner.Output(ctx, "networksetup", "-listnetworkserviceorder")
		if err != nil {
			return "", fmt.Errorf("failed to list network services: %w", err)
		}
		return serviceForDevice(order, device)
	default:
		out, err := m.runner.Output(ctx, "ip", "route", "show", "default")
		if err != nil {
			return "", fmt.Errorf("failed to read default route: %w", err)
		}
		if dev := fieldAfter(out, "dev"); dev != "" {
			return dev, nil
		}
		return "", errors.New("no active interface found")
	}
}

// IsSafe reports whether the active interface resolves through one of the
// filtering resolver pairs.
func (m *DNSManagerImpl) IsSafe(ctx context.Context) (bool, error) {
	iface, err := m.ActiveInterface(ctx)
	if err != nil {
		return false, err
	}
	servers, err := m.servers(ctx, iface)
	if err != nil {
		return false, err
	}
	return hasPair(servers, StrictResolvers) || hasPair(servers, LenientResolvers), nil
}

// Configure points the active interface at the filtering resolvers.
func (m *DNSManagerImpl) Configure(ctx context.Context, strict bool) error {
	resolvers := LenientResolvers
	if strict {
		resolvers = StrictResolvers
	}

	if m.probe != nil {
		var probeErrs []error
		for _, r := range resolvers {
			if err := m.probe.Probe(ctx, r); err != nil {
				probeErrs = append(probeErrs, err)
			}
		}
		if len(probeErrs) == len(resolvers) {
			return fmt.Errorf("no filtering resolver reachable: %w", errors.Join(probeErrs...))
		}
	}

	iface, err := m.ActiveInterface(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("configuring protective DNS",
		zap.String("interface", iface),
		zap.Bool("strict", strict),
		zap.Strings("servers", resolvers))

	switch m.goos {
	case "windows":
		script := fmt.Sprintf(`netsh interface ipv4 set dns name="%s" static %s primary && netsh interface ipv4 add dns name="%s" %s index=2`,
			iface, resolvers[0], iface, resolvers[1])
		return m.elevator.RunElevated(ctx, "cmd.exe", "/C", script)
	case "darwin":
		return m.elevator.RunElevated(ctx, "networksetup", append([]string{"-setdnsservers", iface}, resolvers...)...)
	default:
		return m.elevator.RunElevated(ctx, "resolvectl", append([]string{"dns", iface}, resolvers...)...)
	}
}

func (m *DNSManagerImpl) servers(ctx context.Context, iface string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, dnsQueryTimeout)
	defer cancel()

	var (
		out []byte
		err error
	)
	switch m.goos {
	case "windows":
		out, err = m.runner.Output(ctx, "netsh", "interface", "ipv4", "show", "dnsservers", "name="+iface)
	case "darwin":
		out, err = m.runner.Output(ctx, "networksetup", "-getdnsservers", iface)
	default:
		out, err = m.runner.Output(ctx, "resolvectl", "dns", iface)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read DNS servers: %w", err)
	}
	return ipv4Re.FindAllString(string(out), -1), nil
}

// parseNetshInterfaces picks the last column of the first connected,
// enabled row of "netsh interface show interface".
func parseNetshInterfaces(out []byte) (string, error) {
	for _, line := range strings.Split(string(out), "\n") {
		parts := whitespaceRunRe.Split(strings.TrimSpace(line), -1)
		if len(parts) < 4 || parts[0] != "Enabled" || parts[1] != "Connected" {
			continue
		}
		if name := strings.TrimSpace(parts[len(parts)-1]); name != "" {
			return name, nil
		}
	}
	return "", errors.New("no active interface found")
}

// serviceForDevice maps a BSD device name to its network service using
// "networksetup -listnetworkserviceorder" output.
func serviceForDevice(out []byte, device string) (string, error) {
	var service string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "(") && !strings.HasPrefix(line, "(Hardware") {
			if i := strings.Index(line, ") "); i > 0 {
				service = strings.TrimSpace(line[i+2:])
			}
			continue
		}
		if strings.Contains(line, "Device: "+device+")") && service != "" {
			return service, nil
		}
	}
	return "", fmt.Errorf("no network service for device %s", device)
}

// fieldAfter returns the token following key in whitespace-separated output.
func fieldAfter(out []byte, key string) string {
	fields := strings.Fields(string(out))
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == key {
			return fields[i+1]
		}
	}
	return ""
}

func hasPair(servers, pair []string) bool {
	for _, want := range pair {
		found := false
		for _, s := range servers {
			if s == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Ensure DNSManagerImpl implements domain.DNSManager.
var _ domain.DNSManager = (*DNSManagerImpl)(nil)
