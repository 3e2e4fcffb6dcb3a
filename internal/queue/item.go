package queue

import (
	"encoding/json"
	"time"

	"github.com/dentaflow/sync-agent/internal/validation"
)

// Status describes where a queued item is in its processing lifecycle.
// Successful validation removes the item; there is no terminal stored state.
type Status string

// Item statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
)

// Item is one durable record of a pending validation action. Consumers
// always receive copies; the queue owns the canonical instances.
type Item struct {
	ID         string                `json:"id"`
	Type       validation.ActionType `json:"type"`
	Payload    json.RawMessage       `json:"payload"`
	Status     Status                `json:"status"`
	RetryCount int                   `json:"retryCount"`
	Timestamp  time.Time             `json:"timestamp"`

	// Seq is the insertion sequence number, used to rebuild FIFO order
	// when the queue is reconstructed from the store.
	Seq uint64 `json:"seq"`
}
