package infra

import (
	"errors"
	"testing"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	installed  bool
	installErr error
	configs    []*service.Config
}

func (f *fakeService) factory(cfg *service.Config) (ServiceController, error) {
	f.configs = append(f.configs, cfg)
	return f, nil
}

func (f *fakeService) Install() error {
	if f.installErr != nil {
		return f.installErr
	}
	f.installed = true
	return nil
}

func (f *fakeService) Uninstall() error {
	if !f.installed {
		return service.ErrNotInstalled
	}
	f.installed = false
	return nil
}

func (f *fakeService) Status() (service.Status, error) {
	if !f.installed {
		return service.StatusUnknown, service.ErrNotInstalled
	}
	return service.StatusStopped, nil
}

func TestServicePersistence_Lifecycle(t *testing.T) {
	fake := &fakeService{}
	secrets := newMockSecretStore()
	p := NewServicePersistenceWithDeps(secrets, "linux", "/usr/local/bin/delayguard", true, fake.factory, nil)

	assert.False(t, p.IsInstalled())
	assert.Equal(t, "not installed", p.StatusString())

	require.NoError(t, p.Install())
	assert.True(t, p.IsInstalled())
	assert.Equal(t, "stopped", p.StatusString())

	require.NoError(t, p.Uninstall())
	assert.False(t, p.IsInstalled())
	require.NoError(t, p.Uninstall(), "uninstalling twice is not an error")

	// Every controller uses the same stored label.
	label := secrets.secrets[SecretKeyServiceLabel]
	require.NotEmpty(t, label)
	for _, cfg := range fake.configs {
		assert.Equal(t, label, cfg.Name)
	}
}

func TestServicePersistence_Config(t *testing.T) {
	tests := []struct {
		name     string
		goos     string
		userMode bool
		wantOpts service.KeyValue
	}{
		{
			name:     "darwin user agent",
			goos:     "darwin",
			userMode: true,
			wantOpts: service.KeyValue{"UserService": true, "KeepAlive": true, "RunAtLoad": true},
		},
		{
			name:     "linux system unit",
			goos:     "linux",
			wantOpts: service.KeyValue{"Restart": "always"},
		},
		{
			name:     "windows ignores user mode",
			goos:     "windows",
			userMode: true,
			wantOpts: service.KeyValue{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewServicePersistenceWithDeps(nil, tt.goos, "/bin/delayguard", tt.userMode, (&fakeService{}).factory, nil)
			cfg, err := p.Config()
			require.NoError(t, err)
			assert.Equal(t, AppName, cfg.Name)
			assert.Equal(t, "/bin/delayguard", cfg.Executable)
			assert.Equal(t, []string{"run", "--as-service"}, cfg.Arguments)
			assert.Equal(t, tt.wantOpts, cfg.Option)
		})
	}
}

func TestServicePersistence_InstallError(t *testing.T) {
	fake := &fakeService{installErr: errors.New("access denied")}
	p := NewServicePersistenceWithDeps(nil, "windows", "C:\\dg.exe", false, fake.factory, nil)

	err := p.Install()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to install service")
	assert.False(t, p.IsInstalled())
}

func TestServicePersistence_UseLabel(t *testing.T) {
	fake := &fakeService{}
	secrets := newMockSecretStore()
	p := NewServicePersistenceWithDeps(secrets, "darwin", "/usr/local/bin/delayguard", false, fake.factory, nil)

	p.UseLabel("")
	p.UseLabel("com.example.helper")

	label, err := p.Label()
	require.NoError(t, err)
	assert.Equal(t, "com.example.helper", label)
	assert.Empty(t, secrets.secrets, "pinned label never touches the secret store")
}
