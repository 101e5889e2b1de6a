// Package queue carries dispatch messages from the API to workers.
//
// Messages are pointers, not state: they name the run and carry the executor
// input, never money or lifecycle fields. The run record stays authoritative,
// so a duplicate or stale delivery is harmless; the worker's lease CAS
// rejects it.
package queue

import (
	"context"
	"time"
)

// SchemaVersion is stamped into every dispatch message. Workers drop
// messages with a version they do not understand.
const SchemaVersion = 1

// Message is a single dispatch to a worker.
type Message struct {
	RunID           string    `json:"run_id"`
	TenantID        string    `json:"tenant_id"`
	PackSpec        string    `json:"pack_spec"`
	LeaseTTLSeconds int64     `json:"lease_ttl_seconds"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	SchemaVersion   int       `json:"schema_version"`

	// Handle identifies the delivery for Delete. Set on receive,
	// ignored on enqueue.
	Handle string `json:"-"`
}

// Queue is the dispatch transport.
type Queue interface {
	// Enqueue publishes one dispatch message.
	Enqueue(ctx context.Context, msg Message) error

	// Receive long-polls for up to max messages, waiting at most wait.
	// An empty slice with nil error means the poll timed out.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a delivery by its handle. Un-deleted messages
	// are redelivered after the transport's visibility timeout.
	Delete(ctx context.Context, handle string) error
}
