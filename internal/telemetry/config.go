// Package telemetry provides OpenTelemetry instrumentation for the sync
// agent. It supports configurable tracing and metrics with OTLP exporters.
package telemetry

import (
	"fmt"
	"time"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "dentaflow-sync-agent"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultMetricsInterval is the default interval for metric export
	DefaultMetricsInterval = 60 * time.Second

	// DefaultSampling is the default trace sampling rate
	DefaultSampling = 0.05
)

// Config represents the telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally.
	// When false, no-op providers are used.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in exported telemetry
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion is the version reported with exported telemetry
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP collector endpoint, as "host:port"
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows plain HTTP connections to the collector
	Insecure bool `yaml:"insecure,omitempty"`

	// Sampling is the trace sampling rate in [0, 1]
	Sampling *float64 `yaml:"sampling,omitempty"`
}

// Validate performs validation on the telemetry configuration
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Sampling != nil && (*c.Sampling < 0 || *c.Sampling > 1) {
		return fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", *c.Sampling)
	}
	return nil
}

// GetServiceName returns the service name, applying the default when unset
func (c *Config) GetServiceName() string {
	if c == nil || c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetEndpoint returns the OTLP endpoint, applying the default when unset
func (c *Config) GetEndpoint() string {
	if c == nil || c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSampling returns the trace sampling rate, applying the default when unset
func (c *Config) GetSampling() float64 {
	if c == nil || c.Sampling == nil {
		return DefaultSampling
	}
	return *c.Sampling
}
