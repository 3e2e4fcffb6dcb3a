package storagemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentaflow/sync-agent/internal/platform"
	"github.com/dentaflow/sync-agent/internal/store"
)

type fakeEstimator struct {
	mu    sync.Mutex
	used  int64
	quota int64
	err   error
}

func (f *fakeEstimator) Estimate(context.Context) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used, f.quota, f.err
}

func (f *fakeEstimator) set(used, quota int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used, f.quota, f.err = used, quota, err
}

var estimateCapable = platform.Capabilities{StorageEstimate: true}

func TestMonitorUsesEstimator(t *testing.T) {
	t.Parallel()

	est := &fakeEstimator{used: 250, quota: 1000}
	m := New(context.Background(), nil, est, estimateCapable)

	snap := m.Current()
	assert.Equal(t, int64(250), snap.Used)
	assert.Equal(t, int64(1000), snap.Quota)
	assert.InDelta(t, 25.0, snap.Percentage, 0.001)
}

func TestMonitorEstimateFailureYieldsZeroSnapshot(t *testing.T) {
	t.Parallel()

	// Scenario: the estimate call throws; the monitor must return a zeroed
	// snapshot without propagating the failure.
	est := &fakeEstimator{err: assert.AnError}
	m := New(context.Background(), nil, est, estimateCapable)

	assert.Equal(t, Snapshot{}, m.Current())
}

func TestMonitorFallsBackToStoreUsage(t *testing.T) {
	t.Parallel()

	st, err := store.NewFileStore(t.TempDir(), 10_000)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.CollectionUserData, "k", []byte("some payload")))

	m := New(ctx, st, nil, platform.Capabilities{})

	snap := m.Current()
	assert.Positive(t, snap.Used)
	assert.Equal(t, int64(10_000), snap.Quota)
	assert.Positive(t, snap.Percentage)
}

func TestPercentageClamping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		used  int64
		quota int64
		want  float64
	}{
		{name: "zero quota yields zero percentage", used: 500, quota: 0, want: 0},
		{name: "half used", used: 50, quota: 100, want: 50},
		{name: "overshoot clamps to 100", used: 150, quota: 100, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snap := makeSnapshot(tt.used, tt.quota)
			assert.InDelta(t, tt.want, snap.Percentage, 0.001)
		})
	}
}

func TestRefreshAfterMutation(t *testing.T) {
	t.Parallel()

	est := &fakeEstimator{used: 100, quota: 1000}
	ctx := context.Background()
	m := New(ctx, nil, est, estimateCapable)
	require.Equal(t, int64(100), m.Current().Used)

	est.set(700, 1000, nil)
	snap := m.Refresh(ctx)
	assert.Equal(t, int64(700), snap.Used)
	assert.Equal(t, snap, m.Current())
}

func TestRun(t *testing.T) {
	t.Parallel()

	est := &fakeEstimator{used: 1, quota: 10}
	ctx, cancel := context.WithCancel(context.Background())
	m := New(ctx, nil, est, estimateCapable, WithPollInterval(5*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	est.set(9, 10, nil)
	require.Eventually(t, func() bool {
		return m.Current().Used == 9
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
