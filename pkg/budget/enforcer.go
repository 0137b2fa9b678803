// Package budget provides hard budget enforcement over the cost ledger.
// Enforcement fails closed: when spend cannot be determined, work is not
// allowed to proceed.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quayside-labs/stevedore/pkg/costs"
)

// Budget statuses.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
)

// DefaultAlertThresholds fire at 80% and 90% of the period limit.
var DefaultAlertThresholds = []int{80, 90}

// ExceededError is the hard-stop signal. It carries the measured values so
// operators never have to dig into logs to learn why the system halted.
type ExceededError struct {
	SpentMicros int64
	LimitMicros int64
	PeriodStart time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent %s of %s limit for period starting %s",
		costs.FormatUSD(e.SpentMicros), costs.FormatUSD(e.LimitMicros),
		e.PeriodStart.Format(time.RFC3339))
}

// Alert is a non-blocking threshold crossing notification. Each threshold
// fires once per period.
type Alert struct {
	ThresholdPct int
	SpentMicros  int64
	LimitMicros  int64
	FiredAt      time.Time
}

func (a Alert) String() string {
	return fmt.Sprintf("budget alert: spend %s crossed %d%% of %s limit",
		costs.FormatUSD(a.SpentMicros), a.ThresholdPct, costs.FormatUSD(a.LimitMicros))
}

// State is the derived budget view for the current period.
type State struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	LimitMicros int64
	SpentMicros int64
	Status      Status
}

// Enforcer computes spend-to-date from the ledger and gates billable work.
// There is deliberately no override parameter anywhere on its surface.
type Enforcer struct {
	ledger     costs.Ledger
	limit      int64 // micro-dollars per period
	thresholds []int // ascending percentages
	periodFn   func(time.Time) costs.Period
	logger     *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	periodStart   time.Time
	firedAlerts   map[int]bool
	exceededFired bool
	onExceeded    []func(*ExceededError)
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithThresholds replaces the alert thresholds (percentages, ascending).
func WithThresholds(pcts []int) Option {
	return func(e *Enforcer) {
		if len(pcts) > 0 {
			e.thresholds = pcts
		}
	}
}

// WithPeriod replaces the accounting window function (default: UTC day).
func WithPeriod(fn func(time.Time) costs.Period) Option {
	return func(e *Enforcer) { e.periodFn = fn }
}

// WithLogger sets the enforcer logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithClock overrides the time source. Test seam.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// NewEnforcer creates an enforcer with a hard limit in micro-dollars per
// period.
func NewEnforcer(ledger costs.Ledger, limitMicros int64, opts ...Option) *Enforcer {
	e := &Enforcer{
		ledger:      ledger,
		limit:       limitMicros,
		thresholds:  DefaultAlertThresholds,
		periodFn:    costs.DailyPeriod,
		logger:      slog.Default(),
		now:         time.Now,
		firedAlerts: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnExceeded registers a shutdown callback invoked (once per period) when
// Enforce first detects exceedance. Budget exceedance is a process-level
// event: the owning coordinator registers its halt here.
func (e *Enforcer) OnExceeded(fn func(*ExceededError)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onExceeded = append(e.onExceeded, fn)
}

// State returns the derived budget view for the current period.
func (e *Enforcer) State(ctx context.Context) (*State, error) {
	period := e.periodFn(e.now())
	summary, err := e.ledger.Summarize(ctx, costs.Filter{Since: period.Start, Until: period.End})
	if err != nil {
		return nil, fmt.Errorf("budget: summarize spend: %w", err)
	}

	s := &State{
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		LimitMicros: e.limit,
		SpentMicros: summary.TotalCostMicros,
		Status:      StatusHealthy,
	}
	switch {
	case s.SpentMicros >= e.limit:
		s.Status = StatusExceeded
	case e.warningFloor() > 0 && s.SpentMicros*100 >= e.limit*int64(e.warningFloor()):
		s.Status = StatusWarning
	}
	return s, nil
}

// Enforce must be called before starting billable work. It returns an
// *ExceededError when the period limit is reached; the caller must stop
// accepting new tasks, not merely fail the current one. A ledger read
// failure is also returned (fail closed), but does not fire callbacks.
func (e *Enforcer) Enforce(ctx context.Context) error {
	state, err := e.State(ctx)
	if err != nil {
		return err
	}
	if state.Status != StatusExceeded {
		return nil
	}

	exceeded := &ExceededError{
		SpentMicros: state.SpentMicros,
		LimitMicros: state.LimitMicros,
		PeriodStart: state.PeriodStart,
	}

	e.mu.Lock()
	e.rolloverLocked(state.PeriodStart)
	fire := !e.exceededFired
	e.exceededFired = true
	callbacks := e.onExceeded
	e.mu.Unlock()

	if fire {
		e.logger.Error("budget hard stop",
			"spent", costs.FormatUSD(exceeded.SpentMicros),
			"limit", costs.FormatUSD(exceeded.LimitMicros),
			"period_start", exceeded.PeriodStart)
		for _, fn := range callbacks {
			fn(exceeded)
		}
	}
	return exceeded
}

// CheckAlerts returns threshold crossings since the last check. Each
// threshold fires at most once per period. Non-blocking with respect to
// task processing: callers log alerts, they do not gate on them.
func (e *Enforcer) CheckAlerts(ctx context.Context) ([]Alert, error) {
	state, err := e.State(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(state.PeriodStart)

	var alerts []Alert
	for _, pct := range e.thresholds {
		if e.firedAlerts[pct] {
			continue
		}
		if state.SpentMicros*100 >= state.LimitMicros*int64(pct) {
			e.firedAlerts[pct] = true
			alerts = append(alerts, Alert{
				ThresholdPct: pct,
				SpentMicros:  state.SpentMicros,
				LimitMicros:  state.LimitMicros,
				FiredAt:      e.now(),
			})
		}
	}
	return alerts, nil
}

// rolloverLocked resets dedup state when the accounting period changes.
func (e *Enforcer) rolloverLocked(periodStart time.Time) {
	if e.periodStart.Equal(periodStart) {
		return
	}
	e.periodStart = periodStart
	e.firedAlerts = make(map[int]bool)
	e.exceededFired = false
}

func (e *Enforcer) warningFloor() int {
	if len(e.thresholds) == 0 {
		return 0
	}
	return e.thresholds[0]
}
