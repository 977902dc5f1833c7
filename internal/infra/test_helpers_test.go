package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// mockCommandRunner returns scripted output keyed by the full command line
// and records every call.
type mockCommandRunner struct {
	mu      sync.Mutex
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func newMockCommandRunner() *mockCommandRunner {
	return &mockCommandRunner{
		outputs: make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

func commandLine(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

// On scripts the output for a command; matching is by prefix of the command line.
func (m *mockCommandRunner) On(prefix string, out string) {
	m.outputs[prefix] = []byte(out)
}

func (m *mockCommandRunner) Fail(prefix string, err error) {
	m.errs[prefix] = err
}

func (m *mockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := m.Output(ctx, name, args...)
	return err
}

func (m *mockCommandRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	line := commandLine(name, args...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, line)

	for prefix, err := range m.errs {
		if strings.HasPrefix(line, prefix) {
			return nil, err
		}
	}
	for prefix, out := range m.outputs {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return nil, fmt.Errorf("unexpected command: %s", line)
}

func (m *mockCommandRunner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mockElevator records elevated commands. When copyFiles is set, a "cp src
// dst" request is carried out so hosts edits land on disk.
type mockElevator struct {
	mu        sync.Mutex
	calls     []string
	err       error
	copyFiles bool
}

func (m *mockElevator) RunElevated(_ context.Context, name string, args ...string) error {
	m.mu.Lock()
	m.calls = append(m.calls, commandLine(name, args...))
	m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.copyFiles && name == "cp" && len(args) == 2 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return os.WriteFile(args[1], data, 0644)
	}
	return nil
}

func (m *mockElevator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mockSecretStore is an in-memory domain.SecretStore.
type mockSecretStore struct {
	secrets map[string]string
	setErr  error
}

func newMockSecretStore() *mockSecretStore {
	return &mockSecretStore{secrets: make(map[string]string)}
}

func (m *mockSecretStore) GetSecret(key string) (string, error) {
	v, ok := m.secrets[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *mockSecretStore) SetSecret(key, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.secrets[key] = value
	return nil
}

func (m *mockSecretStore) GetAllSecrets() (map[string]string, error) {
	out := make(map[string]string, len(m.secrets))
	for k, v := range m.secrets {
		out[k] = v
	}
	return out, nil
}

func (m *mockSecretStore) Close() error { return nil }

var _ domain.SecretStore = (*mockSecretStore)(nil)
var _ domain.Elevator = (*mockElevator)(nil)
