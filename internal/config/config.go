// Package config provides configuration loading and management for the sync agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dentaflow/sync-agent/internal/telemetry"
)

const (
	// EnvPrefix is the prefix for environment variables consumed by the agent
	EnvPrefix = "DENTAFLOW"

	// StorageBackendFile stores collections as JSON files on disk
	StorageBackendFile = "file"

	// StorageBackendSQLite stores collections in an embedded sqlite database
	StorageBackendSQLite = "sqlite"
)

// Defaults applied when the corresponding field is unset.
const (
	DefaultAPITimeout          = 5 * time.Second
	DefaultRetryAttempts       = 3
	DefaultRetryDelay          = time.Second
	DefaultItemTimeout         = 5 * time.Second
	DefaultProbeInterval       = 15 * time.Second
	DefaultProbeTimeout        = 3 * time.Second
	DefaultStoragePollInterval = 30 * time.Second
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// AgentName is the name/identifier for this agent instance
	// Defaults to "default" if not specified
	AgentName string `yaml:"agentName,omitempty"`

	API          APIConfig          `yaml:"api"`
	Store        StoreConfig        `yaml:"store"`
	Connectivity ConnectivityConfig `yaml:"connectivity,omitempty"`
	Sync         SyncConfig         `yaml:"sync,omitempty"`
	Capabilities CapabilitiesConfig `yaml:"capabilities,omitempty"`

	// Telemetry configures OTLP export; disabled when absent
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// APIConfig defines the remote validation boundary settings
type APIConfig struct {
	// Endpoint is the base URL of the validation API (without path)
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single validation call (e.g. "5s")
	Timeout string `yaml:"timeout,omitempty"`

	// RetryAttempts is the number of in-call retries for transport failures
	RetryAttempts int `yaml:"retryAttempts,omitempty"`

	// RetryDelay is the initial backoff delay between in-call retries
	RetryDelay string `yaml:"retryDelay,omitempty"`
}

// StoreConfig defines durable storage settings
type StoreConfig struct {
	// Backend selects the storage implementation (file or sqlite)
	Backend string `yaml:"backend"`

	// Path is the data directory (file backend) or database file (sqlite)
	Path string `yaml:"path"`

	// QuotaBytes is the advisory storage quota; 0 means unknown
	QuotaBytes int64 `yaml:"quotaBytes,omitempty"`
}

// ConnectivityConfig defines connectivity probing settings
type ConnectivityConfig struct {
	// ProbeURL is the endpoint probed to derive online/offline status.
	// Defaults to the API endpoint's health path.
	ProbeURL string `yaml:"probeURL,omitempty"`

	// ProbeInterval is the time between probes (e.g. "15s")
	ProbeInterval string `yaml:"probeInterval,omitempty"`

	// ProbeTimeout bounds a single probe
	ProbeTimeout string `yaml:"probeTimeout,omitempty"`
}

// SyncConfig defines queue processing settings
type SyncConfig struct {
	// ItemTimeout bounds the validation call for a single queued item
	ItemTimeout string `yaml:"itemTimeout,omitempty"`

	// StoragePollInterval is the storage usage polling interval
	StoragePollInterval string `yaml:"storagePollInterval,omitempty"`
}

// CapabilitiesConfig declares which optional environment facilities are
// available. Absent flags default to false (fallback branches taken).
type CapabilitiesConfig struct {
	BackgroundSync  bool `yaml:"backgroundSync,omitempty"`
	StorageEstimate bool `yaml:"storageEstimate,omitempty"`
	InstallPrompt   bool `yaml:"installPrompt,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetAgentName returns the agent name, using "default" if not specified
func (c *Config) GetAgentName() string {
	if c.AgentName == "" {
		return "default"
	}
	return c.AgentName
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.API.Endpoint == "" {
		return fmt.Errorf("api.endpoint is required")
	}
	if err := validateDuration(c.API.Timeout, "api.timeout"); err != nil {
		return err
	}
	if c.API.RetryAttempts < 0 {
		return fmt.Errorf("api.retryAttempts must not be negative")
	}
	if err := validateDuration(c.API.RetryDelay, "api.retryDelay"); err != nil {
		return err
	}

	switch c.Store.Backend {
	case StorageBackendFile, StorageBackendSQLite:
	case "":
		return fmt.Errorf("store.backend is required (file or sqlite)")
	default:
		return fmt.Errorf("store.backend must be either %s or %s, got %q",
			StorageBackendFile, StorageBackendSQLite, c.Store.Backend)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.QuotaBytes < 0 {
		return fmt.Errorf("store.quotaBytes must not be negative")
	}

	if err := validateDuration(c.Connectivity.ProbeInterval, "connectivity.probeInterval"); err != nil {
		return err
	}
	if err := validateDuration(c.Connectivity.ProbeTimeout, "connectivity.probeTimeout"); err != nil {
		return err
	}
	if err := validateDuration(c.Sync.ItemTimeout, "sync.itemTimeout"); err != nil {
		return err
	}
	if err := validateDuration(c.Sync.StoragePollInterval, "sync.storagePollInterval"); err != nil {
		return err
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// validateDuration checks that an optional duration string parses.
func validateDuration(value, field string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g. '30s', '5m'): %w", field, err)
	}
	return nil
}

// parseDurationOr parses value, falling back to def when empty or invalid.
func parseDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// GetTimeout returns the validation call timeout.
func (a *APIConfig) GetTimeout() time.Duration {
	return parseDurationOr(a.Timeout, DefaultAPITimeout)
}

// GetRetryAttempts returns the in-call retry attempt count.
func (a *APIConfig) GetRetryAttempts() int {
	if a.RetryAttempts <= 0 {
		return DefaultRetryAttempts
	}
	return a.RetryAttempts
}

// GetRetryDelay returns the initial in-call retry delay.
func (a *APIConfig) GetRetryDelay() time.Duration {
	return parseDurationOr(a.RetryDelay, DefaultRetryDelay)
}

// GetProbeURL returns the connectivity probe URL, defaulting to the API
// endpoint's health path.
func (c *Config) GetProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.API.Endpoint + "/healthz"
}

// GetProbeInterval returns the connectivity probe interval.
func (c *ConnectivityConfig) GetProbeInterval() time.Duration {
	return parseDurationOr(c.ProbeInterval, DefaultProbeInterval)
}

// GetProbeTimeout returns the single-probe timeout.
func (c *ConnectivityConfig) GetProbeTimeout() time.Duration {
	return parseDurationOr(c.ProbeTimeout, DefaultProbeTimeout)
}

// GetItemTimeout returns the per-item validation timeout used during queue
// processing.
func (s *SyncConfig) GetItemTimeout() time.Duration {
	return parseDurationOr(s.ItemTimeout, DefaultItemTimeout)
}

// GetStoragePollInterval returns the storage usage polling interval.
func (s *SyncConfig) GetStoragePollInterval() time.Duration {
	return parseDurationOr(s.StoragePollInterval, DefaultStoragePollInterval)
}
