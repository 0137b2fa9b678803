// Package costs provides the append-only ledger of billable operations.
// Every delegate invocation is recorded here, success or failure, and the
// budget enforcer derives spend-to-date from these entries.
//
// All monetary amounts are int64 micro-dollars (1e6 per USD). Integer minor
// units keep repeated summation exact across thousands of entries.
package costs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyAgent is returned when an entry has no agent name.
	ErrEmptyAgent = errors.New("costs: agent must not be empty")
	// ErrNegativeUnits is returned when an entry has negative unit counts.
	ErrNegativeUnits = errors.New("costs: unit counts must not be negative")
)

// Entry is one billable event. Immutable once written; CostMicros is derived
// from the rate table snapshot at write time, never recomputed later.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Agent      string    `json:"agent"`
	Resource   string    `json:"resource"` // model or resource class
	UnitsIn    int64     `json:"units_in"`
	UnitsOut   int64     `json:"units_out"`
	DurationMS int64     `json:"duration_ms"`
	CostMicros int64     `json:"cost_micros"`
	Success    bool      `json:"success"`
	TaskID     string    `json:"task_id"`
}

// Validate checks that the entry has valid fields.
func (e Entry) Validate() error {
	if e.Agent == "" {
		return ErrEmptyAgent
	}
	if e.UnitsIn < 0 || e.UnitsOut < 0 {
		return ErrNegativeUnits
	}
	return nil
}

// Period is a time range for aggregation, start inclusive, end exclusive.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DailyPeriod returns the UTC day containing now.
func DailyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns the UTC month containing now.
func MonthlyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Filter narrows a Summarize query. Zero values mean "any".
type Filter struct {
	Agent    string
	Resource string
	Since    time.Time
	Until    time.Time
}

// Summary is the aggregate over the entries matching a filter.
type Summary struct {
	TotalCostMicros int64
	CallCount       int64
	SuccessRate     float64 // derived at query time, not accumulated
}

// FormatUSD renders micro-dollars as a human-readable dollar amount.
func FormatUSD(micros int64) string {
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	return fmt.Sprintf("%s$%d.%04d", sign, micros/1_000_000, (micros%1_000_000)/100)
}

// ParseUSD parses a decimal dollar amount ("10.01", "$25") into micro-dollars
// without going through floating point.
func ParseUSD(s string) (int64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return 0, fmt.Errorf("costs: empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("costs: amount %q has more than micro-dollar precision", s)
	}
	frac += strings.Repeat("0", 6-len(frac))

	var micros int64
	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("costs: invalid amount %q", s)
			}
		}
	}
	for _, r := range whole {
		micros = micros*10 + int64(r-'0')
	}
	micros *= 1_000_000
	var fracMicros int64
	for _, r := range frac {
		fracMicros = fracMicros*10 + int64(r-'0')
	}
	micros += fracMicros
	if neg {
		micros = -micros
	}
	return micros, nil
}
