// Package coordinator composes the offline-resilience components into one
// surface: the durable queue, connectivity monitoring, install and update
// lifecycles, sync triggering, and storage monitoring.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/dentaflow/sync-agent/internal/config"
	"github.com/dentaflow/sync-agent/internal/connectivity"
	"github.com/dentaflow/sync-agent/internal/events"
	"github.com/dentaflow/sync-agent/internal/install"
	"github.com/dentaflow/sync-agent/internal/platform"
	"github.com/dentaflow/sync-agent/internal/queue"
	"github.com/dentaflow/sync-agent/internal/storagemon"
	"github.com/dentaflow/sync-agent/internal/store"
	"github.com/dentaflow/sync-agent/internal/synctrigger"
	"github.com/dentaflow/sync-agent/internal/telemetry"
	"github.com/dentaflow/sync-agent/internal/update"
	"github.com/dentaflow/sync-agent/internal/validation"
)

const tracerName = "github.com/dentaflow/sync-agent/coordinator"

// Deps are the injected environment and boundary dependencies. Store and
// Validator are required; the platform interfaces may be nil when the
// corresponding capability flag is false.
type Deps struct {
	Store        store.Store
	Validator    validation.Validator
	Prober       platform.Prober
	Scheduler    platform.SyncScheduler
	Updater      platform.ShellUpdater
	Estimator    platform.StorageEstimator
	Reload       platform.ReloadFunc
	Capabilities platform.Capabilities
}

// SubmitResult reports how a submitted action was handled: the immediate
// verdict when one was obtained, and whether the action was queued for a
// later sync pass.
type SubmitResult struct {
	Response *validation.Response
	Queued   bool
	ItemID   string
}

// Snapshot is the diagnostic state exposed by Metrics. It is an
// observability surface, not a control surface.
type Snapshot struct {
	Install         install.Metrics
	Storage         storagemon.Snapshot
	Online          bool
	Installable     bool
	Installed       bool
	UpdateAvailable bool
	SyncState       synctrigger.State
	QueueDepth      int
}

// Coordinator is the facade over the offline-resilience subsystem. Create
// one with New, run its background loops with Run, and release its
// subscriptions with Close.
type Coordinator struct {
	cfg     *config.Config
	deps    Deps
	bus     *events.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	monitor *connectivity.Monitor
	queue   *queue.Queue
	trigger *synctrigger.Trigger
	install *install.Manager
	update  *update.Manager
	storage *storagemon.Monitor

	closeOnce sync.Once
	unsubs    []func()
}

// Option configures a Coordinator.
type Option func(*builder)

type builder struct {
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	version        string
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(b *builder) {
		b.logger = logger
	}
}

// WithMeterProvider enables OpenTelemetry metrics. A nil provider leaves
// all instruments as no-ops.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(b *builder) {
		b.meterProvider = provider
	}
}

// WithTracerProvider enables tracing of submissions and sync passes.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(b *builder) {
		b.tracerProvider = provider
	}
}

// WithShellVersion sets the running shell version used for update staging.
func WithShellVersion(version string) Option {
	return func(b *builder) {
		b.version = version
	}
}

// New builds the component graph and restores durable state (queue items,
// install metrics). The returned coordinator owns every environment
// subscription it creates; Close releases them.
func New(ctx context.Context, cfg *config.Config, deps Deps, opts ...Option) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("validator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &builder{
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(b)
	}

	queueMetrics, err := telemetry.NewQueueMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("creating queue metrics: %w", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("creating sync metrics: %w", err)
	}
	installMetrics, err := telemetry.NewInstallMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("creating install metrics: %w", err)
	}
	storageMetrics, err := telemetry.NewStorageMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("creating storage metrics: %w", err)
	}

	tracer := tracenoop.NewTracerProvider().Tracer(tracerName)
	if b.tracerProvider != nil {
		tracer = b.tracerProvider.Tracer(tracerName)
	}

	c := &Coordinator{
		cfg:    cfg,
		deps:   deps,
		bus:    events.NewBus(b.logger),
		logger: b.logger,
		tracer: tracer,
	}

	prober := deps.Prober
	if prober == nil {
		prober = platform.NewHTTPProber(cfg.GetProbeURL(), cfg.Connectivity.GetProbeTimeout())
	}
	c.monitor = connectivity.New(ctx, prober, c.bus,
		connectivity.WithLogger(b.logger),
		connectivity.WithProbeInterval(cfg.Connectivity.GetProbeInterval()),
	)

	c.queue, err = queue.New(ctx, deps.Store, deps.Validator, c.bus, c.monitor.IsOnline,
		queue.WithLogger(b.logger),
		queue.WithMetrics(queueMetrics),
		queue.WithItemTimeout(cfg.Sync.GetItemTimeout()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue: %w", err)
	}

	c.trigger = synctrigger.New(deps.Scheduler, deps.Capabilities, c.processAll, c.bus,
		synctrigger.WithLogger(b.logger),
		synctrigger.WithMetrics(syncMetrics),
	)

	c.install, err = install.New(ctx, deps.Store, deps.Capabilities, c.bus,
		install.WithLogger(b.logger),
		install.WithTelemetry(installMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("creating install manager: %w", err)
	}

	reload := deps.Reload
	if reload == nil {
		reload = func(context.Context) error { return nil }
	}
	c.update = update.New(deps.Updater, reload, b.version, c.bus,
		update.WithLogger(b.logger),
	)

	c.storage = storagemon.New(ctx, deps.Store, deps.Estimator, deps.Capabilities,
		storagemon.WithLogger(b.logger),
		storagemon.WithMetrics(storageMetrics),
		storagemon.WithPollInterval(cfg.Sync.GetStoragePollInterval()),
	)

	// An offline-to-online transition fires exactly one sync attempt. The
	// trigger's own syncing state absorbs flapping.
	c.unsubs = append(c.unsubs, c.monitor.OnChange(func(prev, next bool) {
		if !prev && next {
			go func() {
				if _, err := c.trigger.Trigger(context.Background()); err != nil {
					c.logger.Warn("sync after reconnect failed", "error", err)
				}
			}()
		}
	}))

	// Bulk queue mutations change stored volume; re-measure right after.
	refresh := func(events.Event) {
		c.storage.Refresh(context.Background())
	}
	c.unsubs = append(c.unsubs, c.bus.Subscribe(events.TypeSyncCompleted, refresh))
	c.unsubs = append(c.unsubs, c.bus.Subscribe(events.TypeQueueCleared, refresh))

	return c, nil
}

// Bus returns the event bus external surfaces subscribe to.
func (c *Coordinator) Bus() *events.Bus {
	return c.bus
}

// Run drives the background loops (connectivity probing, storage polling)
// until ctx is done. A canceled context is a normal shutdown, not an error.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.monitor.Run(ctx) })
	g.Go(func() error { return c.storage.Run(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every subscription the coordinator owns. In-flight
// operations are allowed to finish naturally; Close only stops future
// scheduling. Safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = nil
	})
}

// SubmitAction validates an action immediately when online, falling back to
// the durable queue on transport failure or while offline. Emergency
// actions are additionally queued whenever the verdict is high-risk or
// low-confidence, even if the immediate call nominally succeeded.
func (c *Coordinator) SubmitAction(ctx context.Context, actionType validation.ActionType, payload json.RawMessage) (*SubmitResult, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.SubmitAction")
	defer span.End()

	if !c.monitor.IsOnline() {
		return c.enqueue(ctx, actionType, payload, nil)
	}

	resp, err := c.deps.Validator.Validate(ctx, &validation.Request{
		Type:    actionType,
		Payload: payload,
	})
	switch {
	case err != nil && validation.IsTransient(err):
		c.logger.Debug("immediate validation hit transport failure, queueing",
			"type", string(actionType),
			"error", err)
		return c.enqueue(ctx, actionType, payload, nil)

	case err != nil:
		// Definitive rejection of the request; nothing to queue for
		// chat/appointment, and nothing was accepted for emergencies
		// either, so hold those for review.
		if actionType == validation.ActionEmergency {
			return c.enqueue(ctx, actionType, payload, nil)
		}
		return nil, fmt.Errorf("action rejected: %w", err)

	case !queue.Releasable(actionType, resp):
		return c.enqueue(ctx, actionType, payload, resp)

	default:
		return &SubmitResult{Response: resp}, nil
	}
}

func (c *Coordinator) enqueue(ctx context.Context, actionType validation.ActionType, payload json.RawMessage, resp *validation.Response) (*SubmitResult, error) {
	id, err := c.queue.Enqueue(ctx, actionType, payload)
	if err != nil {
		return nil, fmt.Errorf("queueing action: %w", err)
	}
	return &SubmitResult{Response: resp, Queued: true, ItemID: id}, nil
}

// processAll is the foreground pass handed to the sync trigger.
func (c *Coordinator) processAll(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.processAll")
	defer span.End()
	return c.queue.ProcessAll(ctx)
}

// ProcessAll runs one manual queue pass, the foreground fallback when
// background sync is unavailable.
func (c *Coordinator) ProcessAll(ctx context.Context) error {
	return c.processAll(ctx)
}

// TriggerSync runs one sync attempt through the background sync trigger.
func (c *Coordinator) TriggerSync(ctx context.Context) (bool, error) {
	return c.trigger.Trigger(ctx)
}

// Queue exposes queue inspection for UI rendering of depth and per-item
// status.
func (c *Coordinator) Queue() *queue.Queue {
	return c.queue
}

// IsOnline returns the current connectivity status.
func (c *Coordinator) IsOnline() bool {
	return c.monitor.IsOnline()
}

// SetOnline records an externally observed connectivity status.
func (c *Coordinator) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}

// OfferInstallPrompt hands a captured install opportunity to the install
// manager.
func (c *Coordinator) OfferInstallPrompt(ctx context.Context, prompt platform.InstallPrompt) {
	c.install.OfferPrompt(ctx, prompt)
}

// PromptInstall consumes a captured install opportunity.
func (c *Coordinator) PromptInstall(ctx context.Context) (bool, error) {
	return c.install.Prompt(ctx)
}

// CheckForUpdates re-checks the environment for a staged shell update.
func (c *Coordinator) CheckForUpdates(ctx context.Context) (bool, error) {
	if c.deps.Updater == nil {
		return false, nil
	}
	return c.update.CheckForUpdates(ctx)
}

// ApplyUpdate activates a staged update and reloads. A no-op when nothing
// is staged.
func (c *Coordinator) ApplyUpdate(ctx context.Context) error {
	if c.deps.Updater == nil {
		return nil
	}
	return c.update.ApplyUpdate(ctx)
}

// Metrics returns the diagnostic snapshot combining install metrics,
// storage usage, connectivity, lifecycle flags, sync status, and queue
// depth.
func (c *Coordinator) Metrics(_ context.Context) Snapshot {
	return Snapshot{
		Install:         c.install.Metrics(),
		Storage:         c.storage.Current(),
		Online:          c.monitor.IsOnline(),
		Installable:     c.install.IsInstallable(),
		Installed:       c.install.IsInstalled(),
		UpdateAvailable: c.update.HasUpdate(),
		SyncState:       c.trigger.State(),
		QueueDepth:      c.queue.Len(),
	}
}
