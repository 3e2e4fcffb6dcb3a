// Package queue implements the durable offline action queue. Actions
// performed while the agent is offline (or that failed in flight) are held
// here until the remote validation boundary acknowledges them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dentaflow/sync-agent/internal/events"
	"github.com/dentaflow/sync-agent/internal/store"
	"github.com/dentaflow/sync-agent/internal/telemetry"
	"github.com/dentaflow/sync-agent/internal/validation"
)

const defaultItemTimeout = 5 * time.Second

// emergencyConfidenceFloor is the minimum backend confidence required to
// release an emergency item from the queue. Below it the verdict is treated
// as too uncertain to act on.
const emergencyConfidenceFloor = 0.5

// Queue is the durable FIFO-per-type action queue. All methods are safe for
// concurrent use; ProcessAll passes are serialized so no two run at once.
type Queue struct {
	st        store.Store
	validator validation.Validator
	bus       *events.Bus
	online    func() bool
	logger    *slog.Logger
	metrics   *telemetry.QueueMetrics
	timeout   time.Duration

	mu         sync.Mutex
	items      []*Item
	nextSeq    uint64
	processing bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used by the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics sets the OpenTelemetry instruments recorded by the queue.
func WithMetrics(m *telemetry.QueueMetrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithItemTimeout bounds the validation call for a single item during
// ProcessAll.
func WithItemTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// New creates a queue backed by st and restores any items persisted by a
// previous run. The online func reports current connectivity; ProcessAll is
// a no-op while it returns false.
func New(
	ctx context.Context,
	st store.Store,
	validator validation.Validator,
	bus *events.Bus,
	online func() bool,
	opts ...Option,
) (*Queue, error) {
	q := &Queue{
		st:        st,
		validator: validator,
		bus:       bus,
		online:    online,
		logger:    slog.Default(),
		timeout:   defaultItemTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.restore(ctx); err != nil {
		return nil, fmt.Errorf("restoring queue: %w", err)
	}
	return q, nil
}

// restore loads persisted items, resets any that were mid-processing when
// the previous run stopped, and rebuilds insertion order.
func (q *Queue) restore(ctx context.Context) error {
	records, err := q.st.GetAll(ctx, store.CollectionValidationQueue)
	if err != nil {
		return err
	}

	items := make([]*Item, 0, len(records))
	for _, rec := range records {
		var item Item
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			q.logger.Warn("dropping undecodable queue record",
				"key", rec.Key,
				"error", err)
			continue
		}
		// A processing status can only be left over from an interrupted
		// pass; the attempt never completed, so the item is still pending.
		if item.Status == StatusProcessing {
			item.Status = StatusPending
		}
		items = append(items, &item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Seq < items[j].Seq
	})

	q.mu.Lock()
	q.items = items
	for _, item := range items {
		if item.Seq >= q.nextSeq {
			q.nextSeq = item.Seq + 1
		}
	}
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.RecordDepth(ctx, int64(depth))
	if depth > 0 {
		q.logger.Info("restored offline queue", "items", depth)
	}
	return nil
}

// Enqueue appends a pending action. Durability is best effort: a store
// failure is logged and the item is kept in memory so it still appears in
// List and is processed on the next pass.
func (q *Queue) Enqueue(ctx context.Context, actionType validation.ActionType, payload json.RawMessage) (string, error) {
	item := &Item{
		ID:        uuid.NewString(),
		Type:      actionType,
		Payload:   payload,
		Status:    StatusPending,
		Timestamp: time.Now().UTC(),
	}

	q.mu.Lock()
	item.Seq = q.nextSeq
	q.nextSeq++
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	if err := q.persist(ctx, item); err != nil {
		q.logger.Warn("failed to persist queue item, keeping in memory",
			"id", item.ID,
			"type", string(actionType),
			"error", err)
	}

	q.metrics.RecordDepth(ctx, int64(depth))
	q.bus.Publish(events.TypeQueueItemAdded, *item)
	q.logger.Debug("queued offline action",
		"id", item.ID,
		"type", string(actionType),
		"depth", depth)

	return item.ID, nil
}

// List returns a point-in-time copy of all items in insertion order.
func (q *Queue) List() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove deletes one item regardless of status. Used for manual dismissal.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	removed := q.removeLocked(id)
	depth := len(q.items)
	q.mu.Unlock()

	if removed == nil {
		return nil
	}

	if err := q.st.Delete(ctx, store.CollectionValidationQueue, id); err != nil {
		return fmt.Errorf("deleting queue item %s: %w", id, err)
	}

	q.metrics.RecordDepth(ctx, int64(depth))
	q.bus.Publish(events.TypeQueueItemRemoved, *removed)
	return nil
}

// Clear deletes all items. The durable clear runs first so a failure never
// leaves the in-memory view empty while the store still holds the items.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.st.Clear(ctx, store.CollectionValidationQueue); err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}

	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()

	q.metrics.RecordDepth(ctx, 0)
	q.bus.Publish(events.TypeQueueCleared, nil)
	return nil
}

// ProcessAll runs one validation pass over the queue. It is a no-op while
// offline, and at most one pass runs at a time; a call arriving mid-pass
// returns immediately without touching any item. Item failures are isolated:
// one item's outcome never aborts the rest of the pass.
func (q *Queue) ProcessAll(ctx context.Context) error {
	if !q.online() {
		q.logger.Debug("skipping queue processing while offline")
		return nil
	}

	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		q.logger.Debug("queue processing already in flight")
		return nil
	}
	q.processing = true

	batch := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		if item.Status != StatusProcessing {
			item.Status = StatusProcessing
			batch = append(batch, item)
		}
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		depth := len(q.items)
		q.mu.Unlock()
		q.metrics.RecordDepth(ctx, int64(depth))
	}()

	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			// Shutdown mid-pass: the remaining items go back to pending
			// and are picked up on the next trigger.
			q.mu.Lock()
			for _, rest := range q.items {
				if rest.Status == StatusProcessing {
					rest.Status = StatusPending
				}
			}
			q.mu.Unlock()
			return err
		}
		q.processItem(ctx, item)
	}
	return nil
}

func (q *Queue) processItem(ctx context.Context, item *Item) {
	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	resp, err := q.validator.Validate(callCtx, &validation.Request{
		Type:    item.Type,
		Payload: item.Payload,
	})

	switch {
	case err != nil && validation.IsTransient(err):
		snapshot := q.markFailed(ctx, item)
		q.metrics.RecordProcessed(ctx, string(item.Type), telemetry.OutcomeFailed)
		q.logger.Debug("queue item hit transport failure, will retry",
			"id", item.ID,
			"retry_count", snapshot.RetryCount,
			"error", err)

	case err != nil:
		// Definitive rejection of the request itself.
		q.settleRejection(ctx, item, err.Error())

	case Releasable(item.Type, resp):
		q.release(ctx, item)

	default:
		q.settleRejection(ctx, item, resp.Message)
	}
}

// Releasable reports whether a verdict settles an action for good, so a
// queued item may leave the queue (or a live submission needs no queueing).
// Emergency actions favor over-queuing: they settle only on a confident,
// non-high-risk acceptance.
func Releasable(actionType validation.ActionType, resp *validation.Response) bool {
	if !resp.IsValid {
		return false
	}
	if actionType != validation.ActionEmergency {
		return true
	}
	if resp.GetRiskLevel() == validation.RiskHigh {
		return false
	}
	if resp.Confidence != nil && *resp.Confidence < emergencyConfidenceFloor {
		return false
	}
	return true
}

// release removes an acknowledged item from memory and the store.
func (q *Queue) release(ctx context.Context, item *Item) {
	q.mu.Lock()
	removed := q.removeLocked(item.ID)
	q.mu.Unlock()
	if removed == nil {
		// Explicitly removed while in flight.
		return
	}

	if err := q.st.Delete(ctx, store.CollectionValidationQueue, item.ID); err != nil {
		q.logger.Warn("failed to delete acknowledged queue item",
			"id", item.ID,
			"error", err)
	}

	q.metrics.RecordProcessed(ctx, string(item.Type), telemetry.OutcomeSynced)
	q.bus.Publish(events.TypeQueueItemRemoved, *removed)
}

// settleRejection handles a definitive backend rejection. Chat and
// appointment items are removed and the rejection surfaced; emergency items
// are kept for manual review regardless of the verdict.
func (q *Queue) settleRejection(ctx context.Context, item *Item, message string) {
	if item.Type == validation.ActionEmergency {
		q.markFailed(ctx, item)
		q.metrics.RecordProcessed(ctx, string(item.Type), telemetry.OutcomeFailed)
		q.logger.Warn("emergency action rejected, holding for manual review",
			"id", item.ID,
			"message", message)
		return
	}

	q.mu.Lock()
	removed := q.removeLocked(item.ID)
	q.mu.Unlock()
	if removed == nil {
		return
	}

	if err := q.st.Delete(ctx, store.CollectionValidationQueue, item.ID); err != nil {
		q.logger.Warn("failed to delete rejected queue item",
			"id", item.ID,
			"error", err)
	}

	q.metrics.RecordProcessed(ctx, string(item.Type), telemetry.OutcomeRejected)
	q.bus.Publish(events.TypeQueueItemRemoved, *removed)
	q.logger.Info("queued action rejected by backend",
		"id", item.ID,
		"type", string(item.Type),
		"message", message)
}

// markFailed keeps an item queued for a later pass, bumping its retry count.
func (q *Queue) markFailed(ctx context.Context, item *Item) Item {
	q.mu.Lock()
	item.Status = StatusFailed
	item.RetryCount++
	snapshot := *item
	q.mu.Unlock()

	if err := q.persist(ctx, item); err != nil {
		q.logger.Warn("failed to persist queue item status",
			"id", item.ID,
			"error", err)
	}

	q.bus.Publish(events.TypeQueueItemFailed, snapshot)
	return snapshot
}

// removeLocked removes one item by id and returns a copy, or nil when the
// id is unknown. Caller holds q.mu.
func (q *Queue) removeLocked(id string) *Item {
	for i, item := range q.items {
		if item.ID == id {
			removed := *item
			q.items = append(q.items[:i], q.items[i+1:]...)
			return &removed
		}
	}
	return nil
}

func (q *Queue) persist(ctx context.Context, item *Item) error {
	q.mu.Lock()
	data, err := json.Marshal(item)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding queue item: %w", err)
	}
	return q.st.Put(ctx, store.CollectionValidationQueue, item.ID, data)
}
