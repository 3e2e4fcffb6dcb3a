// Package store provides the durable persistence facade the agent uses for
// queued actions and cached data. Data lives in named collections; callers
// never see backend details.
package store

import (
	"context"
	"fmt"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

// Collection names the durable key-value collections the agent owns.
type Collection string

const (
	// CollectionAppointments holds cached appointment data
	CollectionAppointments Collection = "appointments"

	// CollectionChatMessages holds cached chat messages
	CollectionChatMessages Collection = "chat_messages"

	// CollectionUserData holds per-user agent state such as install metrics
	CollectionUserData Collection = "user_data"

	// CollectionValidationQueue holds pending offline actions keyed by item ID
	CollectionValidationQueue Collection = "validation_queue"
)

// Collections returns every collection the store manages.
func Collections() []Collection {
	return []Collection{
		CollectionAppointments,
		CollectionChatMessages,
		CollectionUserData,
		CollectionValidationQueue,
	}
}

// Record is one stored entry. Value is opaque to the store.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Usage is an aggregate storage snapshot. Quota == 0 means unknown.
type Usage struct {
	Used  int64
	Quota int64
}

// Store is the narrow persistence interface consumed by the rest of the
// agent. Implementations must be safe for concurrent use; a single
// collection behaves as an atomically updated keyed map.
type Store interface {
	// GetAll returns every record in the collection, ordered by update
	// time then key. Returns an empty slice for an empty collection.
	GetAll(ctx context.Context, c Collection) ([]Record, error)

	// Put inserts or replaces the record under key.
	Put(ctx context.Context, c Collection, key string, value []byte) error

	// Delete removes the record under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, c Collection, key string) error

	// Clear removes every record in the collection.
	Clear(ctx context.Context, c Collection) error

	// Usage reports aggregate bytes used and the configured quota.
	Usage(ctx context.Context) (Usage, error)

	// Close releases backend resources.
	Close() error
}

func validCollection(c Collection) error {
	switch c {
	case CollectionAppointments, CollectionChatMessages, CollectionUserData, CollectionValidationQueue:
		return nil
	default:
		return fmt.Errorf("unknown collection %q", c)
	}
}
