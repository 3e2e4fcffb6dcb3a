// Package update manages the app-shell update lifecycle: detecting a staged
// newer version and coordinating the activation-then-reload handover.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dentaflow/sync-agent/internal/events"
	"github.com/dentaflow/sync-agent/internal/platform"
	"github.com/dentaflow/sync-agent/internal/versions"
)

// State is the update lifecycle state. There is no rollback: once applying
// begins the process is expected to end in a reload.
type State string

// Update states.
const (
	StateNone     State = "none"
	StateStaged   State = "staged"
	StateApplying State = "applying"
	StateReloaded State = "reloaded"
)

// Manager owns the update lifecycle. All methods are safe for concurrent
// use; ApplyUpdate triggers at most one reload regardless of call count.
type Manager struct {
	updater        platform.ShellUpdater
	reload         platform.ReloadFunc
	bus            *events.Bus
	logger         *slog.Logger
	currentVersion string

	mu     sync.Mutex
	state  State
	staged *platform.StagedUpdate
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a manager for the running shell version. currentVersion may be
// a non-semver build string; version comparison then degrades to inequality.
func New(
	updater platform.ShellUpdater,
	reload platform.ReloadFunc,
	currentVersion string,
	bus *events.Bus,
	opts ...Option,
) *Manager {
	m := &Manager{
		updater:        updater,
		reload:         reload,
		bus:            bus,
		logger:         slog.Default(),
		currentVersion: currentVersion,
		state:          StateNone,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HasUpdate reports whether a newer version is staged and waiting.
func (m *Manager) HasUpdate() bool {
	return m.State() == StateStaged
}

// StagedVersion returns the staged version, or "" when none is staged.
func (m *Manager) StagedVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staged == nil {
		return ""
	}
	return m.staged.Version
}

// CheckForUpdates asks the environment to re-check for a staged newer
// version. The first detection transitions none to staged and emits an
// update-available event; repeated checks while staged simply report true.
func (m *Manager) CheckForUpdates(ctx context.Context) (bool, error) {
	m.mu.Lock()
	switch m.state {
	case StateStaged:
		m.mu.Unlock()
		return true, nil
	case StateApplying, StateReloaded:
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	staged, err := m.updater.CheckForUpdate(ctx)
	if err != nil {
		return false, fmt.Errorf("checking for update: %w", err)
	}
	if staged == nil || !versions.IsNewerVersion(staged.Version, m.currentVersion) {
		return false, nil
	}

	m.mu.Lock()
	if m.state != StateNone {
		// Lost a race with another check or an apply.
		has := m.state == StateStaged
		m.mu.Unlock()
		return has, nil
	}
	m.state = StateStaged
	m.staged = staged
	m.mu.Unlock()

	m.logger.Info("shell update staged",
		"current", m.currentVersion,
		"staged", staged.Version)
	m.bus.Publish(events.TypeUpdateAvailable, staged.Version)
	return true, nil
}

// ApplyUpdate signals the staged version to take control and, once control
// has transferred, performs the full reload. Calling it in any state other
// than staged is a no-op: UI affordances may be stale, so misuse is not an
// error.
func (m *Manager) ApplyUpdate(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStaged || m.staged == nil {
		m.mu.Unlock()
		m.logger.Debug("apply requested with no staged update, ignoring")
		return nil
	}
	m.state = StateApplying
	version := m.staged.Version
	m.mu.Unlock()

	if err := m.updater.Activate(ctx, version); err != nil {
		// Control never transferred; the update stays staged for another
		// attempt.
		m.mu.Lock()
		m.state = StateStaged
		m.mu.Unlock()
		return fmt.Errorf("activating staged version %s: %w", version, err)
	}

	m.logger.Info("staged version took control, reloading", "version", version)
	if err := m.reload(ctx); err != nil {
		return fmt.Errorf("reloading after update: %w", err)
	}

	m.mu.Lock()
	m.state = StateReloaded
	m.mu.Unlock()
	m.bus.Publish(events.TypeUpdateApplied, version)
	return nil
}
