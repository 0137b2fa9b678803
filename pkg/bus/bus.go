package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultPollInterval paces how often an idle subscription re-queries the
// store for new messages.
const DefaultPollInterval = 250 * time.Millisecond

// Bus is the durable publish/subscribe queue. Multiple Bus instances (in the
// same or different processes) may share one store; at-least-once delivery
// plus idempotent ack makes that safe.
type Bus struct {
	store        Store
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithPollInterval sets how often idle subscriptions poll the store.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithClock overrides the time source. Test seam.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a Bus on top of a Store.
func New(store Store, opts ...Option) *Bus {
	b := &Bus{
		store:        store,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishOption configures a single publish.
type PublishOption func(*Message)

// WithPriority sets the message priority. Higher is served first.
func WithPriority(p int) PublishOption {
	return func(m *Message) { m.Priority = p }
}

// WithCorrelationID links this message to a request/response/retry chain.
func WithCorrelationID(id string) PublishOption {
	return func(m *Message) { m.CorrelationID = id }
}

// WithTTL makes the message expire if still unacknowledged after d.
func WithTTL(d time.Duration) PublishOption {
	return func(m *Message) {
		if d > 0 {
			m.ExpiresAt = m.CreatedAt.Add(d)
		}
	}
}

// Publish appends a message to the topic. The write is durable before
// Publish returns; a storage failure is propagated to the caller, never
// swallowed. Publish never blocks on subscriber availability.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("bus: encode payload: %w", err)
	}

	now := b.now().UTC()
	m := &Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   raw,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := b.store.Append(ctx, m); err != nil {
		return "", fmt.Errorf("bus: publish to %q: %w", topic, err)
	}
	b.logger.Debug("message published",
		"message_id", m.ID, "topic", topic, "priority", m.Priority, "correlation_id", m.CorrelationID)
	return m.ID, nil
}

// Subscribe returns a subscription over the topic. The subscription yields
// the highest-priority pending message first, FIFO within a priority, and
// re-yields unacknowledged messages indefinitely.
func (b *Bus) Subscribe(topic string) *Subscription {
	return &Subscription{
		bus:     b,
		topic:   topic,
		limiter: rate.NewLimiter(rate.Every(b.pollInterval), 1),
	}
}

// Ack marks a message acknowledged. Idempotent: acking an already-acked
// message is a no-op. Acking an unknown id returns ErrNotFound.
func (b *Bus) Ack(ctx context.Context, id string) error {
	found, err := b.store.MarkAcknowledged(ctx, id, b.now().UTC())
	if err != nil {
		return fmt.Errorf("bus: ack %s: %w", id, err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// PendingCount reports how many unacknowledged messages a topic holds.
func (b *Bus) PendingCount(ctx context.Context, topic string) (int, error) {
	n, err := b.store.PendingCount(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("bus: pending count for %q: %w", topic, err)
	}
	return n, nil
}

// SweepExpired expires messages past their TTL. Housekeeping, called
// periodically by the daemon.
func (b *Bus) SweepExpired(ctx context.Context) (int, error) {
	n, err := b.store.SweepExpired(ctx, b.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("bus: sweep expired: %w", err)
	}
	if n > 0 {
		b.logger.Info("expired messages swept", "count", n)
	}
	return n, nil
}

// Subscription is a lazy, effectively infinite sequence of messages.
type Subscription struct {
	bus     *Bus
	topic   string
	limiter *rate.Limiter
}

// Next blocks until a message is available or ctx is done. The returned
// message is marked DISPATCHED but stays deliverable: if the caller never
// acks it (crash, gate failure), a later Next from any subscriber on the
// same store yields it again.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// the next poll slot lies beyond the context deadline;
				// wait it out so callers always see the context error
				<-ctx.Done()
			}
			return nil, ctx.Err()
		}
		m, err := s.bus.store.NextUnacked(ctx, s.topic, s.bus.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("bus: next on %q: %w", s.topic, err)
		}
		if m == nil {
			continue
		}
		if err := s.bus.store.MarkDispatched(ctx, m.ID, s.bus.now().UTC()); err != nil {
			return nil, fmt.Errorf("bus: dispatch %s: %w", m.ID, err)
		}
		m.Status = StatusDispatched
		return m, nil
	}
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
