// Package platform models the capabilities of the host environment the agent
// runs in. Every optional facility (background sync scheduling, storage
// estimation, install prompting) is represented as an injected interface plus
// a capability flag, so callers branch explicitly instead of feature-sniffing
// at call sites.
package platform

import (
	"context"
	"time"
)

// Capabilities is the capability-detection result injected at construction.
// A false flag means the corresponding interface must not be relied on and
// the component should take its fallback branch.
type Capabilities struct {
	// BackgroundSync indicates the environment can schedule named sync
	// tasks that outlive the triggering call.
	BackgroundSync bool

	// StorageEstimate indicates the environment can report storage
	// usage and quota.
	StorageEstimate bool

	// InstallPrompt indicates the environment may offer one-shot install
	// opportunities.
	InstallPrompt bool
}

// InstallOutcome is the user's response to an install prompt.
type InstallOutcome string

const (
	// OutcomeAccepted means the user accepted the install prompt
	OutcomeAccepted InstallOutcome = "accepted"

	// OutcomeDismissed means the user dismissed the install prompt
	OutcomeDismissed InstallOutcome = "dismissed"
)

// InstallPrompt is a one-shot install opportunity offered by the environment.
// Implementations must tolerate Show being called at most once.
type InstallPrompt interface {
	// Show presents the prompt and reports the user's choice.
	Show(ctx context.Context) (InstallOutcome, error)
}

// StagedUpdate describes a new app-shell version that is staged and waiting
// to take control.
type StagedUpdate struct {
	// Version is the staged shell version, semver where available
	Version string
}

// ShellUpdater lets the agent interrogate and activate staged app-shell
// versions.
type ShellUpdater interface {
	// CheckForUpdate asks the environment to re-check for a newer shell
	// version. Returns nil when nothing is staged.
	CheckForUpdate(ctx context.Context) (*StagedUpdate, error)

	// Activate signals the staged version to take control. Control
	// transfer is confirmed when Activate returns nil.
	Activate(ctx context.Context, version string) error
}

// SyncScheduler registers named background sync tasks with the environment.
type SyncScheduler interface {
	// Register schedules the named task for deferred execution. The task
	// survives the call returning; completion is reported out of band.
	Register(ctx context.Context, task string) error
}

// Prober checks whether the remote boundary is reachable. A nil error means
// online.
type Prober interface {
	Probe(ctx context.Context) error
}

// StorageEstimator reports storage usage for environments that support it.
type StorageEstimator interface {
	// Estimate returns used and total bytes. quota == 0 means unknown.
	Estimate(ctx context.Context) (used, quota int64, err error)
}

// ReloadFunc performs the full reload after a staged update takes control.
// In a process-hosted deployment this typically re-execs or exits for the
// supervisor to restart.
type ReloadFunc func(ctx context.Context) error

// ProbeFunc adapts a plain function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// DefaultProbeTimeout bounds a single connectivity probe.
const DefaultProbeTimeout = 3 * time.Second
