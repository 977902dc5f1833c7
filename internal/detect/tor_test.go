package detect

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListeners struct {
	ls  []Listener
	err error
}

func (f fakeListeners) Listeners(context.Context) ([]Listener, error) {
	return f.ls, f.err
}

func listen(t *testing.T) (net.Listener, uint32) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return l, uint32(l.Addr().(*net.TCPAddr).Port)
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestTorProbe_KnownAddrReachable(t *testing.T) {
	l, _ := listen(t)
	probe := NewTorProbeWithDeps([]string{closedAddr(t), l.Addr().String()}, 200*time.Millisecond, nil, nil, nil)

	assert.True(t, probe.ProxyReachable(context.Background()))
}

func TestTorProbe_NothingListening(t *testing.T) {
	probe := NewTorProbeWithDeps([]string{closedAddr(t)}, 200*time.Millisecond, fakeListeners{}, nil, nil)

	assert.False(t, probe.ProxyReachable(context.Background()))
}

func TestTorProbe_TorLikeListener(t *testing.T) {
	_, port := listen(t)
	src := fakeListeners{ls: []Listener{{IP: "127.0.0.1", Port: port, PID: 42, Process: "tor.exe"}}}
	probe := NewTorProbeWithDeps([]string{closedAddr(t)}, 200*time.Millisecond, src, nil, nil)

	assert.True(t, probe.ProxyReachable(context.Background()))
}

func TestTorProbe_IgnoresDevServers(t *testing.T) {
	_, port := listen(t)
	src := fakeListeners{ls: []Listener{{IP: "127.0.0.1", Port: port, PID: 42, Process: "node"}}}
	probe := NewTorProbeWithDeps(nil, 200*time.Millisecond, src, nil, nil)

	assert.False(t, probe.ProxyReachable(context.Background()))
}

func TestTorProbe_ListenerScanError(t *testing.T) {
	probe := NewTorProbeWithDeps(nil, 0, fakeListeners{err: errors.New("denied")}, nil, nil)

	assert.False(t, probe.ProxyReachable(context.Background()))
}

func TestTorProbe_UsesInjectedDialer(t *testing.T) {
	var dialed []string
	dial := func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		return nil, errors.New("refused")
	}
	probe := NewTorProbeWithDeps(DefaultProxyAddrs, 0, nil, dial, nil)

	assert.False(t, probe.ProxyReachable(context.Background()))
	assert.Equal(t, DefaultProxyAddrs, dialed)
}

func TestTorCandidates(t *testing.T) {
	ls := []Listener{
		{Port: 9050, Process: "tor"},
		{Port: 41000, Process: "obfs4proxy"},
		{Port: 9151, Process: ""},
		{Port: 3000, Process: "tor"},      // dev port
		{Port: 9050, Process: "Code.exe"}, // editor
		{Port: 5432, Process: "postgres"}, // unrelated
		{Port: 52000, Process: "ActivityMonitor"},
	}

	got := TorCandidates(ls)

	require.Len(t, got, 3)
	assert.Equal(t, "tor", got[0].Process)
	assert.Equal(t, "obfs4proxy", got[1].Process)
	assert.Equal(t, uint32(9151), got[2].Port)
}
