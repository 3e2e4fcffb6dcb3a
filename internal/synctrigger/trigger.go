// Package synctrigger turns connectivity transitions into sync work. It
// registers named background sync tasks with the environment when that
// capability exists and otherwise degrades to a foreground processing pass.
package synctrigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dentaflow/sync-agent/internal/events"
	"github.com/dentaflow/sync-agent/internal/platform"
	"github.com/dentaflow/sync-agent/internal/telemetry"
)

// State is the trigger's current sync status.
type State string

// Trigger states.
const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateFailed  State = "failed"
)

// Named sync tasks registered with the platform scheduler.
const (
	TaskAppointments = "background-sync-appointments"
	TaskChat         = "background-sync-chat"
)

// Processor runs one foreground queue pass.
type Processor func(ctx context.Context) error

// Trigger coordinates sync attempts. While an attempt is in flight,
// re-entrant Trigger calls are rejected and return false; they are never
// coalesced into the running attempt.
type Trigger struct {
	scheduler    platform.SyncScheduler
	capabilities platform.Capabilities
	process      Processor
	bus          *events.Bus
	logger       *slog.Logger
	metrics      *telemetry.SyncMetrics

	mu    sync.Mutex
	state State
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithLogger sets the logger used by the trigger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trigger) {
		t.logger = logger
	}
}

// WithMetrics sets the sync duration instruments.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(t *Trigger) {
		t.metrics = m
	}
}

// New creates a trigger. The scheduler may be nil when the background sync
// capability is absent.
func New(
	scheduler platform.SyncScheduler,
	capabilities platform.Capabilities,
	process Processor,
	bus *events.Bus,
	opts ...Option,
) *Trigger {
	t := &Trigger{
		scheduler:    scheduler,
		capabilities: capabilities,
		process:      process,
		bus:          bus,
		logger:       slog.Default(),
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current sync status.
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Trigger runs one sync attempt. It returns false immediately when an
// attempt is already in flight. A missing background-sync capability is not
// a failure: the attempt degrades to a foreground pass and the state only
// becomes failed when that pass genuinely errors.
func (t *Trigger) Trigger(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if t.state == StateSyncing {
		t.mu.Unlock()
		t.logger.Debug("sync already in flight, rejecting trigger")
		return false, nil
	}
	t.state = StateSyncing
	t.mu.Unlock()

	t.bus.Publish(events.TypeSyncStarted, nil)
	start := time.Now()

	t.registerTasks(ctx)

	err := t.process(ctx)
	success := err == nil

	t.mu.Lock()
	if success {
		t.state = StateIdle
	} else {
		t.state = StateFailed
	}
	t.mu.Unlock()

	t.metrics.RecordSyncDuration(ctx, TaskAppointments, time.Since(start), success)

	if !success {
		t.bus.Publish(events.TypeSyncFailed, err.Error())
		return false, fmt.Errorf("sync pass failed: %w", err)
	}
	t.bus.Publish(events.TypeSyncCompleted, nil)
	return true, nil
}

// registerTasks records the named sync intents with the environment's
// scheduler. Registration failure degrades to the foreground pass that
// follows anyway; it never fails the attempt.
func (t *Trigger) registerTasks(ctx context.Context) {
	if !t.capabilities.BackgroundSync || t.scheduler == nil {
		t.logger.Debug("background sync capability absent, running foreground only")
		return
	}

	for _, task := range []string{TaskAppointments, TaskChat} {
		if err := t.scheduler.Register(ctx, task); err != nil {
			t.logger.Warn("background sync registration failed, falling back to foreground",
				"task", task,
				"error", err)
		}
	}
}
