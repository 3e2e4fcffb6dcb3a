package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("loads a full config", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, `
agentName: clinic-north
api:
  endpoint: https://api.example.com
  timeout: 10s
  retryAttempts: 5
  retryDelay: 2s
store:
  backend: sqlite
  path: /var/lib/dentaflow/agent.db
  quotaBytes: 1048576
connectivity:
  probeURL: https://api.example.com/ping
  probeInterval: 20s
  probeTimeout: 4s
sync:
  itemTimeout: 8s
  storagePollInterval: 1m
capabilities:
  backgroundSync: true
  storageEstimate: true
  installPrompt: true
`)

		cfg, err := LoadConfig(WithConfigPath(path))
		require.NoError(t, err)

		assert.Equal(t, "clinic-north", cfg.GetAgentName())
		assert.Equal(t, "https://api.example.com", cfg.API.Endpoint)
		assert.Equal(t, 10*time.Second, cfg.API.GetTimeout())
		assert.Equal(t, 5, cfg.API.GetRetryAttempts())
		assert.Equal(t, 2*time.Second, cfg.API.GetRetryDelay())
		assert.Equal(t, StorageBackendSQLite, cfg.Store.Backend)
		assert.Equal(t, int64(1048576), cfg.Store.QuotaBytes)
		assert.Equal(t, "https://api.example.com/ping", cfg.GetProbeURL())
		assert.Equal(t, 20*time.Second, cfg.Connectivity.GetProbeInterval())
		assert.Equal(t, 4*time.Second, cfg.Connectivity.GetProbeTimeout())
		assert.Equal(t, 8*time.Second, cfg.Sync.GetItemTimeout())
		assert.Equal(t, time.Minute, cfg.Sync.GetStoragePollInterval())
		assert.True(t, cfg.Capabilities.BackgroundSync)
		assert.True(t, cfg.Capabilities.StorageEstimate)
		assert.True(t, cfg.Capabilities.InstallPrompt)
	})

	t.Run("applies defaults for optional fields", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, `
api:
  endpoint: https://api.example.com
store:
  backend: file
  path: /var/lib/dentaflow
`)

		cfg, err := LoadConfig(WithConfigPath(path))
		require.NoError(t, err)

		assert.Equal(t, "default", cfg.GetAgentName())
		assert.Equal(t, DefaultAPITimeout, cfg.API.GetTimeout())
		assert.Equal(t, DefaultRetryAttempts, cfg.API.GetRetryAttempts())
		assert.Equal(t, DefaultRetryDelay, cfg.API.GetRetryDelay())
		assert.Equal(t, "https://api.example.com/healthz", cfg.GetProbeURL())
		assert.Equal(t, DefaultProbeInterval, cfg.Connectivity.GetProbeInterval())
		assert.Equal(t, DefaultProbeTimeout, cfg.Connectivity.GetProbeTimeout())
		assert.Equal(t, DefaultItemTimeout, cfg.Sync.GetItemTimeout())
		assert.Equal(t, DefaultStoragePollInterval, cfg.Sync.GetStoragePollInterval())
		assert.False(t, cfg.Capabilities.BackgroundSync)
	})

	t.Run("fails without a path", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path is required")
	})

	t.Run("fails on missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig(WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")))
		require.Error(t, err)
	})

	t.Run("fails on malformed YAML", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "api: [not\n  a map")
		_, err := LoadConfig(WithConfigPath(path))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse YAML")
	})

	t.Run("fails validation on invalid config", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, `
api:
  endpoint: https://api.example.com
store:
  backend: redis
  path: /tmp/x
`)
		_, err := LoadConfig(WithConfigPath(path))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.backend must be either")
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			API:   APIConfig{Endpoint: "https://api.example.com"},
			Store: StoreConfig{Backend: StorageBackendFile, Path: "/data"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid minimal config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing api endpoint",
			mutate:  func(c *Config) { c.API.Endpoint = "" },
			wantErr: "api.endpoint is required",
		},
		{
			name:    "invalid api timeout",
			mutate:  func(c *Config) { c.API.Timeout = "soon" },
			wantErr: "api.timeout must be a valid duration",
		},
		{
			name:    "negative retry attempts",
			mutate:  func(c *Config) { c.API.RetryAttempts = -1 },
			wantErr: "api.retryAttempts must not be negative",
		},
		{
			name:    "missing store backend",
			mutate:  func(c *Config) { c.Store.Backend = "" },
			wantErr: "store.backend is required",
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store.Backend = "memory" },
			wantErr: "store.backend must be either",
		},
		{
			name:    "missing store path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: "store.path is required",
		},
		{
			name:    "negative quota",
			mutate:  func(c *Config) { c.Store.QuotaBytes = -1 },
			wantErr: "store.quotaBytes must not be negative",
		},
		{
			name:    "invalid probe interval",
			mutate:  func(c *Config) { c.Connectivity.ProbeInterval = "often" },
			wantErr: "connectivity.probeInterval must be a valid duration",
		},
		{
			name:    "invalid item timeout",
			mutate:  func(c *Config) { c.Sync.ItemTimeout = "5" },
			wantErr: "sync.itemTimeout must be a valid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("nil config", func(t *testing.T) {
		t.Parallel()
		var cfg *Config
		assert.Error(t, cfg.Validate())
	})
}

func TestGetRetryAttempts(t *testing.T) {
	t.Parallel()
	a := &APIConfig{RetryAttempts: 0}
	assert.Equal(t, DefaultRetryAttempts, a.GetRetryAttempts())
	a.RetryAttempts = 7
	assert.Equal(t, 7, a.GetRetryAttempts())
}
