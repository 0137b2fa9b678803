// Package bus provides the durable, topic-addressed, priority-ordered
// message queue the rest of the system rides on. Delivery is at-least-once
// with idempotent acknowledgment: a message is re-yielded to subscribers
// until acked, across process restarts.
package bus

import (
	"context"
	"errors"
	"time"
)

// Message statuses. A message is never mutated after publish except for its
// status and updated_at timestamp.
const (
	StatusPending      = "PENDING"
	StatusDispatched   = "DISPATCHED"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusExpired      = "EXPIRED"
)

var (
	// ErrNotFound is returned when acknowledging a message id that was
	// never published.
	ErrNotFound = errors.New("bus: message not found")
	// ErrEmptyTopic is returned when publishing to an empty topic.
	ErrEmptyTopic = errors.New("bus: topic must not be empty")
)

// Message is the unit of transport.
type Message struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	Payload       []byte    `json:"payload"`
	Priority      int       `json:"priority"`
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	// ExpiresAt is zero for messages that never expire.
	ExpiresAt time.Time `json:"expires_at,omitzero"`

	// seq is the store-assigned insertion order, used to break priority
	// ties FIFO. Not part of the wire contract.
	seq int64
}

// Store is the persistence surface behind a Bus. Implementations must make
// Append durable before returning and must support concurrent readers with
// a serialized writer path.
type Store interface {
	// Append persists a new message and assigns its insertion order.
	Append(ctx context.Context, m *Message) error
	// NextUnacked returns the highest-priority unacknowledged message for
	// the topic, ties broken by insertion order. Returns nil when the
	// topic has no deliverable messages.
	NextUnacked(ctx context.Context, topic string, now time.Time) (*Message, error)
	// MarkDispatched flips a message to DISPATCHED.
	MarkDispatched(ctx context.Context, id string, now time.Time) error
	// MarkAcknowledged flips a message to ACKNOWLEDGED. Idempotent.
	MarkAcknowledged(ctx context.Context, id string, now time.Time) (bool, error)
	// PendingCount counts unacknowledged, unexpired messages on a topic.
	PendingCount(ctx context.Context, topic string) (int, error)
	// SweepExpired marks messages past their expiry as EXPIRED and
	// returns how many were swept.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
