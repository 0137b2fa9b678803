// Package foundation gates work on the health of the project baseline. The
// verifier runs an operator-configured validation command (typically the
// full test suite), caches the outcome for a short TTL, and exposes an
// enforcing check used both pre-flight and as the absolute post-execution
// condition.
//
// Conservative by construction: a timed-out or indeterminate run is broken,
// never unknown. An indeterminate result must never be treated as
// permission to proceed.
package foundation

import (
	"fmt"
	"time"
)

// Status of a verification outcome.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusHealthy Status = "healthy"
	StatusBroken  Status = "broken"
)

// Result is a cached verification outcome. A result older than the
// verifier's TTL is treated as unknown and triggers re-verification.
type Result struct {
	Status    Status        `json:"status"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	CheckedAt time.Time     `json:"checked_at"`
	Reason    string        `json:"reason,omitempty"`
}

// BrokenError is the enforcing-gate failure. It carries the measured counts
// so operators see why work was blocked without reading logs.
type BrokenError struct {
	Passed int
	Failed int
	Reason string
}

func (e *BrokenError) Error() string {
	msg := fmt.Sprintf("foundation broken: %d failed, %d passed", e.Failed, e.Passed)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}
