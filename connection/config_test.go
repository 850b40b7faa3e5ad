package connection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultEndpoint, cfg.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "fills zero values",
			in:   Config{},
			want: Config{Endpoint: DefaultEndpoint, Timeout: 30 * time.Second, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond},
		},
		{
			name: "clamps retries",
			in:   Config{MaxRetries: 99, Timeout: time.Second, InitialBackoff: time.Second, MaxBackoff: time.Minute},
			want: Config{Endpoint: DefaultEndpoint, MaxRetries: 20, Timeout: time.Second, InitialBackoff: time.Second, MaxBackoff: time.Minute},
		},
		{
			name: "emulator host becomes endpoint",
			in:   Config{EmulatorHost: "localhost:8081", Endpoint: DefaultEndpoint},
			want: Config{EmulatorHost: "localhost:8081", Endpoint: "http://localhost:8081", Timeout: 30 * time.Second, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond},
		},
		{
			name: "explicit endpoint wins over emulator",
			in:   Config{EmulatorHost: "localhost:8081", Endpoint: "https://proxy.internal/"},
			want: Config{EmulatorHost: "localhost:8081", Endpoint: "https://proxy.internal", Timeout: 30 * time.Second, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.in
			cfg.validate()
			assert.Equal(t, tt.want, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataset: my-project
namespace: tenant-a
timeout: 5s
max_retries: 2
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "my-project", cfg.Dataset)
	assert.Equal(t, "tenant-a", cfg.Namespace)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.MaxBackoff)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataset: [unclosed"), 0o600))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"dataset id", map[string]string{EnvDataset: "a"}, "a"},
		{"emulator dataset", map[string]string{EnvEmulatorDataset: "b"}, "b"},
		{"dataset id wins", map[string]string{EnvDataset: "a", EnvEmulatorDataset: "b"}, "a"},
		{"neither", map[string]string{}, "keep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Dataset: "keep"}
			cfg.ApplyEnv(func(k string) string { return tt.env[k] })
			assert.Equal(t, tt.want, cfg.Dataset)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvDataset, "env-project")
	t.Setenv(EnvNamespace, "env-ns")
	t.Setenv(EnvEmulatorHost, "127.0.0.1:9000")
	t.Setenv(EnvCredentials, "/tmp/key.json")

	cfg := FromEnv()
	assert.Equal(t, "env-project", cfg.Dataset)
	assert.Equal(t, "env-ns", cfg.Namespace)
	assert.Equal(t, "127.0.0.1:9000", cfg.EmulatorHost)
	assert.Equal(t, "/tmp/key.json", cfg.CredentialsFile)
}
