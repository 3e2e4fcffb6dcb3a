// Package storagemon periodically measures durable storage usage and
// republishes a consistent {used, quota, percentage} snapshot.
package storagemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dentaflow/sync-agent/internal/platform"
	"github.com/dentaflow/sync-agent/internal/store"
	"github.com/dentaflow/sync-agent/internal/telemetry"
)

const defaultPollInterval = 30 * time.Second

// Snapshot is a point-in-time storage usage reading. Percentage is
// used/quota*100 clamped to [0,100] when quota > 0, else 0.
type Snapshot struct {
	Used       int64
	Quota      int64
	Percentage float64
}

// Monitor polls storage usage on a fixed interval and on demand after bulk
// mutations. An unavailable estimate yields a zero snapshot, never an error.
type Monitor struct {
	st           store.Store
	estimator    platform.StorageEstimator
	capabilities platform.Capabilities
	logger       *slog.Logger
	metrics      *telemetry.StorageMetrics
	interval     time.Duration

	mu      sync.Mutex
	current Snapshot
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used by the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMetrics sets the storage usage instruments.
func WithMetrics(metrics *telemetry.StorageMetrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// New creates a monitor and takes an initial reading. When the environment
// lacks the storage-estimate capability the store's own usage accounting is
// used instead.
func New(
	ctx context.Context,
	st store.Store,
	estimator platform.StorageEstimator,
	capabilities platform.Capabilities,
	opts ...Option,
) *Monitor {
	m := &Monitor{
		st:           st,
		estimator:    estimator,
		capabilities: capabilities,
		logger:       slog.Default(),
		interval:     defaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.Refresh(ctx)
	return m
}

// Current returns the latest snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Refresh takes a fresh reading immediately. Called by the poll loop and
// after bulk queue mutations (clear, sync completion).
func (m *Monitor) Refresh(ctx context.Context) Snapshot {
	snap := m.measure(ctx)

	m.mu.Lock()
	m.current = snap
	m.mu.Unlock()

	m.metrics.RecordUsedBytes(ctx, snap.Used)
	return snap
}

// Run polls on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// measure reads usage from the environment estimator when available, else
// from the store. Any failure degrades to a zero snapshot.
func (m *Monitor) measure(ctx context.Context) Snapshot {
	if m.capabilities.StorageEstimate && m.estimator != nil {
		used, quota, err := m.estimator.Estimate(ctx)
		if err != nil {
			m.logger.Debug("storage estimate unavailable", "error", err)
			return Snapshot{}
		}
		return makeSnapshot(used, quota)
	}

	usage, err := m.st.Usage(ctx)
	if err != nil {
		m.logger.Debug("store usage unavailable", "error", err)
		return Snapshot{}
	}
	return makeSnapshot(usage.Used, usage.Quota)
}

func makeSnapshot(used, quota int64) Snapshot {
	snap := Snapshot{Used: used, Quota: quota}
	if quota > 0 {
		snap.Percentage = float64(used) / float64(quota) * 100
		if snap.Percentage > 100 {
			snap.Percentage = 100
		}
		if snap.Percentage < 0 {
			snap.Percentage = 0
		}
	}
	return snap
}
