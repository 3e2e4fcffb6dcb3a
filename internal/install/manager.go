// Package install manages the app-shell install lifecycle: capturing the
// environment's one-shot install opportunity, driving the prompt, and
// recording the install funnel counters durably.
package install

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dentaflow/sync-agent/internal/events"
	"github.com/dentaflow/sync-agent/internal/platform"
	"github.com/dentaflow/sync-agent/internal/store"
	"github.com/dentaflow/sync-agent/internal/telemetry"
)

// metricsKey is the user_data key holding the persisted funnel counters.
const metricsKey = "install_metrics"

// State is the install lifecycle state.
type State string

// Install states. A dismissed prompt returns the manager to uninstallable;
// a fresh opportunity is needed for another attempt.
const (
	StateUninstallable State = "uninstallable"
	StateInstallable   State = "installable"
	StateInstalled     State = "installed"
)

// Metrics are the monotonic install funnel counters, persisted across
// sessions. Accepted+Dismissed never exceeds PromptShown.
type Metrics struct {
	PromptShown uint64 `json:"installPromptShown"`
	Accepted    uint64 `json:"installAccepted"`
	Dismissed   uint64 `json:"installDismissed"`
}

// Manager owns the install lifecycle. All methods are safe for concurrent
// use.
type Manager struct {
	st           store.Store
	bus          *events.Bus
	capabilities platform.Capabilities
	logger       *slog.Logger
	telemetry    *telemetry.InstallMetrics

	mu      sync.Mutex
	state   State
	prompt  platform.InstallPrompt
	metrics Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTelemetry sets the install funnel instruments.
func WithTelemetry(t *telemetry.InstallMetrics) Option {
	return func(m *Manager) {
		m.telemetry = t
	}
}

// New creates a manager and restores persisted funnel counters.
func New(
	ctx context.Context,
	st store.Store,
	capabilities platform.Capabilities,
	bus *events.Bus,
	opts ...Option,
) (*Manager, error) {
	m := &Manager{
		st:           st,
		bus:          bus,
		capabilities: capabilities,
		logger:       slog.Default(),
		state:        StateUninstallable,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.loadMetrics(ctx); err != nil {
		return nil, fmt.Errorf("restoring install metrics: %w", err)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsInstallable reports whether a captured opportunity is waiting.
func (m *Manager) IsInstallable() bool {
	return m.State() == StateInstallable
}

// IsInstalled reports whether the shell is installed.
func (m *Manager) IsInstalled() bool {
	return m.State() == StateInstalled
}

// Metrics returns a snapshot of the funnel counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// OfferPrompt captures an install opportunity offered by the environment.
// The opportunity is single-use: it is held until Prompt consumes it.
// PromptShown increments exactly once per captured opportunity, regardless
// of how often Prompt is called afterwards. Offers are ignored while one is
// already captured or the shell is installed.
func (m *Manager) OfferPrompt(ctx context.Context, prompt platform.InstallPrompt) {
	if !m.capabilities.InstallPrompt {
		m.logger.Debug("install prompt capability absent, ignoring offer")
		return
	}

	m.mu.Lock()
	if m.state != StateUninstallable || prompt == nil {
		m.mu.Unlock()
		return
	}
	m.state = StateInstallable
	m.prompt = prompt
	m.metrics.PromptShown++
	m.mu.Unlock()

	m.persistMetrics(ctx)
	m.telemetry.RecordPromptShown(ctx)
	m.bus.Publish(events.TypeInstallPromptShown, nil)
	m.logger.Info("install opportunity captured")
}

// Prompt consumes the captured opportunity and presents it. With nothing
// captured it is a no-op returning false. An accepted prompt transitions to
// installed; a dismissed one returns to uninstallable.
func (m *Manager) Prompt(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.state != StateInstallable || m.prompt == nil {
		m.mu.Unlock()
		return false, nil
	}
	prompt := m.prompt
	m.prompt = nil
	m.mu.Unlock()

	outcome, err := prompt.Show(ctx)
	if err != nil {
		// The opportunity is spent either way; no counter moves so the
		// funnel invariant holds.
		m.mu.Lock()
		m.state = StateUninstallable
		m.mu.Unlock()
		return false, fmt.Errorf("showing install prompt: %w", err)
	}

	m.mu.Lock()
	accepted := outcome == platform.OutcomeAccepted
	if accepted {
		m.state = StateInstalled
		m.metrics.Accepted++
	} else {
		m.state = StateUninstallable
		m.metrics.Dismissed++
	}
	m.mu.Unlock()

	m.persistMetrics(ctx)
	if accepted {
		m.telemetry.RecordAccepted(ctx)
		m.bus.Publish(events.TypeInstallAccepted, nil)
		m.logger.Info("install prompt accepted")
	} else {
		m.telemetry.RecordDismissed(ctx)
		m.bus.Publish(events.TypeInstallDismissed, nil)
		m.logger.Info("install prompt dismissed")
	}
	return accepted, nil
}

// MarkInstalled records an out-of-band installed signal from the
// environment, discarding any captured opportunity.
func (m *Manager) MarkInstalled() {
	m.mu.Lock()
	m.state = StateInstalled
	m.prompt = nil
	m.mu.Unlock()
	m.logger.Info("shell installed")
}

func (m *Manager) loadMetrics(ctx context.Context) error {
	records, err := m.st.GetAll(ctx, store.CollectionUserData)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Key != metricsKey {
			continue
		}
		if err := json.Unmarshal(rec.Value, &m.metrics); err != nil {
			m.logger.Warn("resetting undecodable install metrics", "error", err)
			m.metrics = Metrics{}
		}
		return nil
	}
	return nil
}

// persistMetrics writes the counters through; failures are logged, not
// surfaced, so funnel accounting never blocks the install flow.
func (m *Manager) persistMetrics(ctx context.Context) {
	m.mu.Lock()
	data, err := json.Marshal(m.metrics)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("failed to encode install metrics", "error", err)
		return
	}
	if err := m.st.Put(ctx, store.CollectionUserData, metricsKey, data); err != nil {
		m.logger.Warn("failed to persist install metrics", "error", err)
	}
}
