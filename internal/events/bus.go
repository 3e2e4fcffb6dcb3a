// Package events provides a small in-process event bus used to decouple the
// lifecycle managers from whatever surfaces observe them (logging, metrics,
// UI shells).
package events

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Type identifies a class of event published on the bus.
type Type string

// Event types published by the agent's components.
const (
	TypeInstallPromptShown Type = "install-prompt-shown"
	TypeInstallAccepted    Type = "install-accepted"
	TypeInstallDismissed   Type = "install-dismissed"
	TypeUpdateAvailable    Type = "update-available"
	TypeUpdateApplied      Type = "update-applied"
	TypeSyncStarted        Type = "sync-started"
	TypeSyncCompleted      Type = "sync-completed"
	TypeSyncFailed         Type = "sync-failed"
	TypeQueueItemAdded     Type = "queue-item-added"
	TypeQueueItemRemoved   Type = "queue-item-removed"
	TypeQueueItemFailed    Type = "queue-item-failed"
	TypeQueueCleared       Type = "queue-cleared"
	TypeOnline             Type = "online"
	TypeOffline            Type = "offline"
)

// Event is a single occurrence delivered to subscribers.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a synchronous publish/subscribe dispatcher. The zero value is not
// usable; create one with NewBus.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Type]map[int]Handler
	logger   *slog.Logger
}

// NewBus creates an event bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Type]map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for the given event type and returns a
// function that removes the subscription. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[t] == nil {
		b.handlers[t] = make(map[int]Handler)
	}
	b.handlers[t][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[t], id)
	}
}

// Publish delivers an event to all handlers subscribed to its type, in
// subscription order. A panicking handler is logged and does not prevent
// delivery to the rest.
func (b *Bus) Publish(t Type, data any) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[t]))
	for id := range b.handlers[t] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[t][id])
	}
	b.mu.RUnlock()

	ev := Event{Type: t, Time: time.Now(), Data: data}
	for _, h := range handlers {
		b.dispatch(ev, h)
	}
}

func (b *Bus) dispatch(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.Type),
				"panic", r)
		}
	}()
	h(ev)
}
