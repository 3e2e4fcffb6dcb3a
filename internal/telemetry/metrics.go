package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// QueueMetricsMeterName is the name used for the queue metrics meter
	QueueMetricsMeterName = "github.com/dentaflow/sync-agent/queue"

	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/dentaflow/sync-agent/sync"

	// InstallMetricsMeterName is the name used for the install funnel meter
	InstallMetricsMeterName = "github.com/dentaflow/sync-agent/install"

	// StorageMetricsMeterName is the name used for the storage metrics meter
	StorageMetricsMeterName = "github.com/dentaflow/sync-agent/storage"
)

// Outcome labels recorded with processed queue items.
const (
	OutcomeSynced   = "synced"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// QueueMetrics holds the OpenTelemetry instruments for queue metrics
type QueueMetrics struct {
	depth     metric.Int64Gauge
	processed metric.Int64Counter
}

// NewQueueMetrics creates a new QueueMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewQueueMetrics(provider metric.MeterProvider) (*QueueMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueueMetricsMeterName)

	depth, err := meter.Int64Gauge(
		"dentaflow_agent_queue_depth",
		metric.WithDescription("Number of items currently in the offline queue"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	processed, err := meter.Int64Counter(
		"dentaflow_agent_queue_items_processed_total",
		metric.WithDescription("Number of queue items processed, by action type and outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		depth:     depth,
		processed: processed,
	}, nil
}

// RecordDepth records the current queue depth
func (m *QueueMetrics) RecordDepth(ctx context.Context, depth int64) {
	if m == nil || m.depth == nil {
		return
	}

	m.depth.Record(ctx, depth)
}

// RecordProcessed counts a processed queue item
func (m *QueueMetrics) RecordProcessed(ctx context.Context, actionType, outcome string) {
	if m == nil || m.processed == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("type", actionType),
		attribute.String("outcome", outcome),
	}

	m.processed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SyncMetrics holds the OpenTelemetry instruments for sync cycle metrics
type SyncMetrics struct {
	syncDuration metric.Float64Histogram
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"dentaflow_agent_sync_duration_seconds",
		metric.WithDescription("Duration of queue sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration: syncDuration,
	}, nil
}

// RecordSyncDuration records the duration of a sync cycle
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, task string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("task", task),
		attribute.Bool("success", success),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// InstallMetrics holds the OpenTelemetry instruments for the install funnel
type InstallMetrics struct {
	promptShown metric.Int64Counter
	accepted    metric.Int64Counter
	dismissed   metric.Int64Counter
}

// NewInstallMetrics creates a new InstallMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewInstallMetrics(provider metric.MeterProvider) (*InstallMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(InstallMetricsMeterName)

	promptShown, err := meter.Int64Counter(
		"dentaflow_agent_install_prompt_shown_total",
		metric.WithDescription("Number of install prompts shown"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return nil, err
	}

	accepted, err := meter.Int64Counter(
		"dentaflow_agent_install_accepted_total",
		metric.WithDescription("Number of install prompts accepted"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return nil, err
	}

	dismissed, err := meter.Int64Counter(
		"dentaflow_agent_install_dismissed_total",
		metric.WithDescription("Number of install prompts dismissed"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstallMetrics{
		promptShown: promptShown,
		accepted:    accepted,
		dismissed:   dismissed,
	}, nil
}

// RecordPromptShown counts a prompt presentation
func (m *InstallMetrics) RecordPromptShown(ctx context.Context) {
	if m == nil || m.promptShown == nil {
		return
	}

	m.promptShown.Add(ctx, 1)
}

// RecordAccepted counts an accepted install prompt
func (m *InstallMetrics) RecordAccepted(ctx context.Context) {
	if m == nil || m.accepted == nil {
		return
	}

	m.accepted.Add(ctx, 1)
}

// RecordDismissed counts a dismissed install prompt
func (m *InstallMetrics) RecordDismissed(ctx context.Context) {
	if m == nil || m.dismissed == nil {
		return
	}

	m.dismissed.Add(ctx, 1)
}

// StorageMetrics holds the OpenTelemetry instruments for storage usage
type StorageMetrics struct {
	usedBytes metric.Int64Gauge
}

// NewStorageMetrics creates a new StorageMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewStorageMetrics(provider metric.MeterProvider) (*StorageMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(StorageMetricsMeterName)

	usedBytes, err := meter.Int64Gauge(
		"dentaflow_agent_storage_used_bytes",
		metric.WithDescription("Durable storage used by the agent in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		usedBytes: usedBytes,
	}, nil
}

// RecordUsedBytes records current storage usage
func (m *StorageMetrics) RecordUsedBytes(ctx context.Context, used int64) {
	if m == nil || m.usedBytes == nil {
		return
	}

	m.usedBytes.Record(ctx, used)
}
