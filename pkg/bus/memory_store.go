package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Not durable; for tests and
// single-shot tooling only.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message
	nextSeq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	val := *m
	val.seq = s.nextSeq
	m.seq = s.nextSeq
	s.messages = append(s.messages, &val)
	return nil
}

func (s *MemoryStore) NextUnacked(ctx context.Context, topic string, now time.Time) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Message
	for _, m := range s.messages {
		if m.Topic != topic || !deliverable(m, now) {
			continue
		}
		if best == nil || m.Priority > best.Priority || (m.Priority == best.Priority && m.seq < best.seq) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}
	val := *best
	return &val, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, id string, now time.Time) error {
	return s.setStatus(id, StatusDispatched, now)
}

func (s *MemoryStore) MarkAcknowledged(ctx context.Context, id string, now time.Time) (bool, error) {
	err := s.setStatus(id, StatusAcknowledged, now)
	return err == nil, nil
}

func (s *MemoryStore) PendingCount(ctx context.Context, topic string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.Topic == topic && (m.Status == StatusPending || m.Status == StatusDispatched) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if (m.Status == StatusPending || m.Status == StatusDispatched) &&
			!m.ExpiresAt.IsZero() && !m.ExpiresAt.After(now) {
			m.Status = StatusExpired
			m.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) setStatus(id, status string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			m.Status = status
			m.UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

func deliverable(m *Message, now time.Time) bool {
	if m.Status != StatusPending && m.Status != StatusDispatched {
		return false
	}
	if !m.ExpiresAt.IsZero() && !m.ExpiresAt.After(now) {
		return false
	}
	return true
}
