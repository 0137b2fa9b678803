package costs

import (
	"context"
	"sync"
)

// Ledger records billable events and answers aggregation queries. Record is
// append-only; a write failure is surfaced to the caller but callers treat
// cost tracking as best-effort relative to the operation it measures.
type Ledger interface {
	// Record appends one entry.
	Record(ctx context.Context, e Entry) error
	// Summarize aggregates the entries matching the filter.
	Summarize(ctx context.Context, f Filter) (*Summary, error)
}

// MemoryLedger implements Ledger in memory. For tests and tooling.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Record(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *MemoryLedger) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s Summary
	var succeeded int64
	for _, e := range l.entries {
		if !matches(e, f) {
			continue
		}
		s.TotalCostMicros += e.CostMicros
		s.CallCount++
		if e.Success {
			succeeded++
		}
	}
	if s.CallCount > 0 {
		s.SuccessRate = float64(succeeded) / float64(s.CallCount)
	}
	return &s, nil
}

func matches(e Entry, f Filter) bool {
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}
