package synctrigger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentaflow/sync-agent/internal/events"
	"github.com/dentaflow/sync-agent/internal/platform"
)

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (s *fakeScheduler) Register(_ context.Context, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *fakeScheduler) registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tasks...)
}

func TestTriggerRegistersNamedTasks(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	tr := New(sched, platform.Capabilities{BackgroundSync: true},
		func(context.Context) error { return nil },
		events.NewBus(nil))

	ok, err := tr.Trigger(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{TaskAppointments, TaskChat}, sched.registered())
	assert.Equal(t, StateIdle, tr.State())
}

func TestTriggerWithoutCapabilityIsNotFailure(t *testing.T) {
	t.Parallel()

	var processed atomic.Int32
	tr := New(nil, platform.Capabilities{BackgroundSync: false},
		func(context.Context) error {
			processed.Add(1)
			return nil
		},
		events.NewBus(nil))

	ok, err := tr.Trigger(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, StateIdle, tr.State())
}

func TestTriggerRegistrationFailureFallsBackToForeground(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{err: assert.AnError}
	var processed atomic.Int32
	tr := New(sched, platform.Capabilities{BackgroundSync: true},
		func(context.Context) error {
			processed.Add(1)
			return nil
		},
		events.NewBus(nil))

	ok, err := tr.Trigger(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, StateIdle, tr.State())
}

func TestTriggerProcessingFailureSetsFailedState(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	var failed atomic.Int32
	bus.Subscribe(events.TypeSyncFailed, func(events.Event) { failed.Add(1) })

	tr := New(nil, platform.Capabilities{},
		func(context.Context) error { return assert.AnError },
		bus)

	ok, err := tr.Trigger(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateFailed, tr.State())
	assert.Equal(t, int32(1), failed.Load())

	// A failed trigger is not terminal: the next attempt runs again.
	tr2 := New(nil, platform.Capabilities{},
		func(context.Context) error { return nil },
		bus)
	ok, err = tr2.Trigger(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTriggerRejectsReentrantCalls(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var passes atomic.Int32
	tr := New(nil, platform.Capabilities{},
		func(context.Context) error {
			passes.Add(1)
			<-block
			return nil
		},
		events.NewBus(nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ok, err := tr.Trigger(context.Background())
		assert.NoError(t, err)
		assert.True(t, ok)
	}()

	require.Eventually(t, func() bool {
		return tr.State() == StateSyncing
	}, time.Second, time.Millisecond)

	// Second call while syncing is rejected, not coalesced.
	ok, err := tr.Trigger(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	close(block)
	<-done

	assert.Equal(t, int32(1), passes.Load())
	assert.Equal(t, StateIdle, tr.State())
}

func TestTriggerEvents(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	var started, completed atomic.Int32
	bus.Subscribe(events.TypeSyncStarted, func(events.Event) { started.Add(1) })
	bus.Subscribe(events.TypeSyncCompleted, func(events.Event) { completed.Add(1) })

	tr := New(nil, platform.Capabilities{},
		func(context.Context) error { return nil }, bus)

	_, err := tr.Trigger(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(1), completed.Load())
}
