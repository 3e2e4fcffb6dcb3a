// Package connectivity tracks the agent's online/offline status by probing
// a configured endpoint and notifies subscribers on transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dentaflow/sync-agent/internal/events"
	"github.com/dentaflow/sync-agent/internal/platform"
)

const defaultProbeInterval = 15 * time.Second

// ChangeHandler is invoked on every status transition with the previous and
// the new value. Handlers run on the monitor's goroutine and must not block.
type ChangeHandler func(prev, next bool)

// Monitor derives a single online/offline boolean from periodic probes.
// No history is retained beyond the current value.
type Monitor struct {
	prober   platform.Prober
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	online   bool
	nextID   int
	handlers map[int]ChangeHandler
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used by the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithProbeInterval sets the time between probes.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// New creates a monitor and initializes its status with one immediate probe.
func New(ctx context.Context, prober platform.Prober, bus *events.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		bus:      bus,
		logger:   slog.Default(),
		interval: defaultProbeInterval,
		handlers: make(map[int]ChangeHandler),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.online = m.probe(ctx)
	return m
}

// IsOnline returns the current status.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a transition handler and returns a function that
// removes it. Handlers fire only on actual transitions, never on repeated
// probes with the same result.
func (m *Monitor) OnChange(h ChangeHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.handlers[id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Run probes on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SetOnline(m.probe(ctx))
		}
	}
}

// SetOnline records an externally observed status. Exposed so environment
// signals (a push notification, a socket close) can update the monitor
// between probes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	prev := m.online
	if prev == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ids := make([]int, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]ChangeHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.handlers[id])
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, h := range handlers {
		h(prev, online)
	}

	if online {
		m.bus.Publish(events.TypeOnline, nil)
	} else {
		m.bus.Publish(events.TypeOffline, nil)
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if err := m.prober.Probe(ctx); err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
		return false
	}
	return true
}
