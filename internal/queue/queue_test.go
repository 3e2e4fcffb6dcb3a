package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentaflow/sync-agent/internal/events"
	"github.com/dentaflow/sync-agent/internal/store"
	"github.com/dentaflow/sync-agent/internal/validation"
)

// fakeValidator scripts validation verdicts per action type and records
// every request it receives.
type fakeValidator struct {
	mu        sync.Mutex
	responses map[validation.ActionType]*validation.Response
	errs      map[validation.ActionType]error
	calls     []validation.Request
	block     chan struct{}
}

func (f *fakeValidator) Validate(_ context.Context, req *validation.Request) (*validation.Response, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	resp := f.responses[req.Type]
	err := f.errs[req.Type]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &validation.Response{IsValid: true}
	}
	return resp, nil
}

func (f *fakeValidator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestQueue(t *testing.T, v validation.Validator, online bool) (*Queue, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	isOnline := func() bool { return online }
	q, err := New(context.Background(), st, v, events.NewBus(nil), isOnline)
	require.NoError(t, err)
	return q, st
}

func TestEnqueueAndList(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, &fakeValidator{}, true)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{"q":"opening hours?"}`))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, validation.ActionAppointment, json.RawMessage(`{"slot":"a"}`))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	items := q.List()
	require.Len(t, items, 2)
	assert.Equal(t, id1, items[0].ID)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, 0, items[0].RetryCount)
	assert.Equal(t, id2, items[1].ID)

	// List returns copies: mutating them must not affect the queue.
	items[0].Status = StatusFailed
	assert.Equal(t, StatusPending, q.List()[0].Status)
}

func TestDurabilityAcrossReconstruction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := store.NewFileStore(dir, 0)
	require.NoError(t, err)

	ctx := context.Background()
	bus := events.NewBus(nil)
	online := func() bool { return false }

	q, err := New(ctx, st, &fakeValidator{}, bus, online)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, validation.ActionEmergency, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	before := q.List()
	require.NoError(t, st.Close())

	// Simulated reload: a fresh store and queue over the same directory.
	st2, err := store.NewFileStore(dir, 0)
	require.NoError(t, err)
	defer st2.Close()

	q2, err := New(ctx, st2, &fakeValidator{}, bus, online)
	require.NoError(t, err)

	after := q2.List()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Type, after[i].Type)
		assert.JSONEq(t, string(before[i].Payload), string(after[i].Payload))
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.Equal(t, before[i].RetryCount, after[i].RetryCount)
	}
}

func TestRestoreResetsInterruptedProcessing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := store.NewFileStore(dir, 0)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	interrupted := Item{
		ID:        "abc",
		Type:      validation.ActionChat,
		Payload:   json.RawMessage(`{}`),
		Status:    StatusProcessing,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(interrupted)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, store.CollectionValidationQueue, interrupted.ID, data))

	q, err := New(ctx, st, &fakeValidator{}, events.NewBus(nil), func() bool { return false })
	require.NoError(t, err)

	items := q.List()
	require.Len(t, items, 1)
	assert.Equal(t, StatusPending, items[0].Status)
}

func TestProcessAllOfflineIsNoOp(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{}
	q, _ := newTestQueue(t, v, false)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.ProcessAll(ctx))

	assert.Equal(t, 0, v.callCount())
	items := q.List()
	require.Len(t, items, 1)
	assert.Equal(t, StatusPending, items[0].Status)
}

func TestProcessAllRemovesAcknowledgedItems(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{
		responses: map[validation.ActionType]*validation.Response{
			validation.ActionChat: {IsValid: true},
		},
	}
	q, st := newTestQueue(t, v, true)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.ProcessAll(ctx))

	assert.Equal(t, 0, q.Len())
	records, err := st.GetAll(ctx, store.CollectionValidationQueue)
	require.NoError(t, err)
	assert.Empty(t, records, "acknowledged item %s must leave the store", id)
}

func TestProcessAllTransportFailureKeepsItem(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{
		errs: map[validation.ActionType]error{
			validation.ActionAppointment: &validation.Error{Transient: true, Err: assert.AnError},
		},
	}
	q, _ := newTestQueue(t, v, true)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, validation.ActionAppointment, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.ProcessAll(ctx))

	items := q.List()
	require.Len(t, items, 1)
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)

	// Failed items are retried on the next pass.
	require.NoError(t, q.ProcessAll(ctx))
	items = q.List()
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].RetryCount)
}

func TestProcessAllDefinitiveRejectionRemovesItem(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{
		responses: map[validation.ActionType]*validation.Response{
			validation.ActionAppointment: {IsValid: false, Message: "slot taken"},
		},
	}
	q, _ := newTestQueue(t, v, true)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, validation.ActionAppointment, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.ProcessAll(ctx))
	assert.Equal(t, 0, q.Len())
}

func TestProcessAllEmergencyRejectionKeepsItem(t *testing.T) {
	t.Parallel()

	// Scenario: an emergency action the backend flags as invalid and
	// high-risk stays queued for manual review.
	v := &fakeValidator{
		responses: map[validation.ActionType]*validation.Response{
			validation.ActionEmergency: {IsValid: false, RiskLevel: validation.RiskHigh},
		},
	}
	q, _ := newTestQueue(t, v, true)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, validation.ActionEmergency, json.RawMessage(`{"pain":9}`))
	require.NoError(t, err)

	require.NoError(t, q.ProcessAll(ctx))

	items := q.List()
	require.Len(t, items, 1)
	assert.Equal(t, StatusFailed, items[0].Status)
}

func TestProcessAllEmergencyReleasePolicy(t *testing.T) {
	t.Parallel()

	conf := func(v float64) *float64 { return &v }

	tests := []struct {
		name     string
		resp     *validation.Response
		released bool
	}{
		{
			name:     "confident low risk acceptance released",
			resp:     &validation.Response{IsValid: true, Confidence: conf(0.9), RiskLevel: validation.RiskLow},
			released: true,
		},
		{
			name:     "acceptance without confidence released",
			resp:     &validation.Response{IsValid: true, RiskLevel: validation.RiskMedium},
			released: true,
		},
		{
			name:     "high risk acceptance kept",
			resp:     &validation.Response{IsValid: true, Confidence: conf(0.9), RiskLevel: validation.RiskHigh},
			released: false,
		},
		{
			name:     "low confidence acceptance kept",
			resp:     &validation.Response{IsValid: true, Confidence: conf(0.2), RiskLevel: validation.RiskLow},
			released: false,
		},
		{
			name:     "rejection kept",
			resp:     &validation.Response{IsValid: false},
			released: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := &fakeValidator{
				responses: map[validation.ActionType]*validation.Response{
					validation.ActionEmergency: tt.resp,
				},
			}
			q, _ := newTestQueue(t, v, true)
			ctx := context.Background()

			_, err := q.Enqueue(ctx, validation.ActionEmergency, json.RawMessage(`{}`))
			require.NoError(t, err)
			require.NoError(t, q.ProcessAll(ctx))

			if tt.released {
				assert.Equal(t, 0, q.Len())
			} else {
				assert.Equal(t, 1, q.Len())
			}
		})
	}
}

func TestProcessAllItemFailureIsolation(t *testing.T) {
	t.Parallel()

	// The chat item fails on transport; the appointment item must still be
	// processed and released.
	v := &fakeValidator{
		responses: map[validation.ActionType]*validation.Response{
			validation.ActionAppointment: {IsValid: true},
		},
		errs: map[validation.ActionType]error{
			validation.ActionChat: &validation.Error{Transient: true, Err: assert.AnError},
		},
	}
	q, _ := newTestQueue(t, v, true)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, validation.ActionAppointment, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.ProcessAll(ctx))

	items := q.List()
	require.Len(t, items, 1)
	assert.Equal(t, validation.ActionChat, items[0].Type)
	assert.Equal(t, 2, v.callCount())
}

func TestNoConcurrentProcessAll(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	v := &fakeValidator{block: block}
	q, _ := newTestQueue(t, v, true)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{}`))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.ProcessAll(ctx)
	}()

	// Give the first pass time to claim the item, then issue a second call
	// while it is still blocked inside the validator.
	require.Eventually(t, func() bool {
		items := q.List()
		return len(items) == 1 && items[0].Status == StatusProcessing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.ProcessAll(ctx))
	close(block)
	wg.Wait()

	// Exactly one remote call for the single item.
	assert.Equal(t, 1, v.callCount())
	assert.Equal(t, 0, q.Len())
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()

	q, st := newTestQueue(t, &fakeValidator{}, false)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, id))
	assert.Equal(t, 1, q.Len())

	// Removing an unknown id is a no-op.
	require.NoError(t, q.Remove(ctx, "nope"))
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Len())

	records, err := st.GetAll(ctx, store.CollectionValidationQueue)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestQueueEvents(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{
		responses: map[validation.ActionType]*validation.Response{
			validation.ActionChat: {IsValid: true},
		},
	}

	st, err := store.NewFileStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer st.Close()

	bus := events.NewBus(nil)
	var added, removed, cleared atomic.Int32
	bus.Subscribe(events.TypeQueueItemAdded, func(events.Event) { added.Add(1) })
	bus.Subscribe(events.TypeQueueItemRemoved, func(events.Event) { removed.Add(1) })
	bus.Subscribe(events.TypeQueueCleared, func(events.Event) { cleared.Add(1) })

	ctx := context.Background()
	q, err := New(ctx, st, v, bus, func() bool { return true })
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, q.ProcessAll(ctx))

	assert.Equal(t, int32(1), added.Load())
	assert.Equal(t, int32(1), removed.Load())

	_, err = q.Enqueue(ctx, validation.ActionChat, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, int32(1), cleared.Load())
}
