// Package coordinator drains the task topic and drives each task through
// the full pipeline: foundation gate, budget gate, planning, parallel
// delegate dispatch, post-execution verification, and report publication.
//
// The coordinator holds no task state of its own. Everything durable lives
// in the bus and the ledger, so a crashed coordinator resumes exactly where
// the acknowledged frontier left off.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quayside-labs/stevedore/pkg/budget"
	"github.com/quayside-labs/stevedore/pkg/bus"
	"github.com/quayside-labs/stevedore/pkg/contracts"
	"github.com/quayside-labs/stevedore/pkg/costs"
	"github.com/quayside-labs/stevedore/pkg/foundation"
	"github.com/quayside-labs/stevedore/pkg/observability"
	"github.com/quayside-labs/stevedore/pkg/plan"
)

// DefaultDelegateTimeout bounds one delegate invocation.
const DefaultDelegateTimeout = 5 * time.Minute

// FoundationGate is the verification surface the coordinator consumes.
// *foundation.Verifier satisfies it.
type FoundationGate interface {
	Verify(ctx context.Context, useCache bool) (*foundation.Result, error)
}

// BudgetGate is the budget surface the coordinator consumes.
// *budget.Enforcer satisfies it.
type BudgetGate interface {
	Enforce(ctx context.Context) error
	CheckAlerts(ctx context.Context) ([]budget.Alert, error)
}

// Coordinator is the execution loop.
type Coordinator struct {
	bus         *bus.Bus
	taskTopic   string
	resultTopic string
	planner     *plan.Planner
	registry    *Registry
	foundation  FoundationGate
	budget      BudgetGate
	ledger      costs.Ledger
	rates       costs.RateTable

	logger          *slog.Logger
	obs             *observability.Provider
	now             func() time.Time
	delegateTimeout time.Duration
	publishTries    uint

	halted atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithObservability attaches telemetry.
func WithObservability(p *observability.Provider) Option {
	return func(c *Coordinator) { c.obs = p }
}

// WithDelegateTimeout bounds each delegate invocation.
func WithDelegateTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.delegateTimeout = d
		}
	}
}

// WithClock overrides the time source. Test seam.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New wires a coordinator over its collaborators.
func New(b *bus.Bus, taskTopic, resultTopic string, planner *plan.Planner,
	registry *Registry, fgate FoundationGate, bgate BudgetGate,
	ledger costs.Ledger, rates costs.RateTable, opts ...Option) *Coordinator {

	c := &Coordinator{
		bus:             b,
		taskTopic:       taskTopic,
		resultTopic:     resultTopic,
		planner:         planner,
		registry:        registry,
		foundation:      fgate,
		budget:          bgate,
		ledger:          ledger,
		rates:           rates,
		logger:          slog.Default(),
		now:             time.Now,
		delegateTimeout: DefaultDelegateTimeout,
		publishTries:    5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stop makes Run return after the in-flight task (if any) completes.
func (c *Coordinator) Stop() {
	c.halted.Store(true)
}

// Run drains the task topic until ctx is done, Stop is called, or the
// budget is exceeded. A budget exceedance is returned to the caller; every
// other per-task failure leaves the message pending for redelivery and the
// loop keeps going.
func (c *Coordinator) Run(ctx context.Context) error {
	sub := c.bus.Subscribe(c.taskTopic)
	c.logger.Info("coordinator started",
		"task_topic", c.taskTopic, "result_topic", c.resultTopic)

	for {
		if c.halted.Load() {
			c.logger.Info("coordinator stopped")
			return nil
		}

		m, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("coordinator shutting down")
				return nil
			}
			return err
		}

		if err := c.process(ctx, m); err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				c.halted.Store(true)
				c.logger.Error("halting: period budget exhausted",
					"spent", costs.FormatUSD(exceeded.SpentMicros),
					"limit", costs.FormatUSD(exceeded.LimitMicros))
				return err
			}
			// gate failures and transient errors: the message was never
			// acked, so it comes back on a later poll
			c.logger.Warn("task deferred",
				"message_id", m.ID, "error", err)
		}
	}
}

// process drives one bus message through the pipeline. A nil return means
// the message was acknowledged (successfully processed or rejected with a
// published failure report); a non-nil return leaves it pending.
func (c *Coordinator) process(ctx context.Context, m *bus.Message) error {
	// pre-flight gates run before any billable work
	pre, err := c.foundation.Verify(ctx, true)
	if err != nil {
		return fmt.Errorf("foundation check failed to run: %w", err)
	}
	if pre.Status != foundation.StatusHealthy {
		return &foundation.BrokenError{Passed: pre.Passed, Failed: pre.Failed, Reason: pre.Reason}
	}
	if err := c.budget.Enforce(ctx); err != nil {
		return err
	}
	if alerts, aerr := c.budget.CheckAlerts(ctx); aerr == nil {
		for _, a := range alerts {
			c.logger.Warn(a.String())
		}
	}

	task, err := contracts.ValidateTask(m.Payload)
	if err != nil {
		// malformed tasks would otherwise pin the head of the priority
		// queue forever; reject with a report and move on
		c.logger.Warn("rejecting malformed task", "message_id", m.ID, "error", err)
		return c.finish(ctx, m, &contracts.ExecutionReport{
			CorrelationID: correlationID(m),
			Verification: contracts.Verification{
				Status: contracts.VerificationSkipped,
				Reason: "task rejected: " + err.Error(),
			},
			CompletedAt: c.now().UTC(),
		})
	}

	ctx, done := c.obs.TrackTask(ctx, task.ID)
	start := c.now()
	c.logger.Info("task accepted",
		"task_id", task.ID, "type", task.Type, "priority", m.Priority)

	report := c.execute(ctx, task)
	report.CorrelationID = correlationID(m)
	report.DurationMS = c.now().Sub(start).Milliseconds()
	report.CompletedAt = c.now().UTC()
	done(report.OverallSuccess)

	return c.finish(ctx, m, report)
}

// execute plans and dispatches one validated task and verifies the
// aftermath. Publication and acknowledgment are the caller's problem.
func (c *Coordinator) execute(ctx context.Context, task *contracts.Task) *contracts.ExecutionReport {
	report := &contracts.ExecutionReport{TaskID: task.ID}

	pl, err := c.planner.Plan(task)
	if err != nil {
		report.Verification = contracts.Verification{
			Status: contracts.VerificationSkipped,
			Reason: "planning failed: " + err.Error(),
		}
		return report
	}

	results, dispatchOK := c.dispatch(ctx, task, pl)
	report.Results = results
	for _, r := range results {
		report.TotalCostMicros += r.CostMicros
	}

	if !dispatchOK {
		// no point paying for a fresh verification of work we already
		// know failed
		report.Verification = contracts.Verification{
			Status: contracts.VerificationSkipped,
			Reason: "execution failed before verification",
		}
		return report
	}

	// the absolute condition: no task succeeds on a broken foundation,
	// and the check is a fresh run, never a cached opinion
	post, err := c.foundation.Verify(ctx, false)
	if err != nil {
		report.Verification = contracts.Verification{
			Status: contracts.VerificationBroken,
			Reason: "post-execution verification failed to run: " + err.Error(),
		}
		return report
	}
	report.Verification = contracts.Verification{
		Status: string(post.Status),
		Passed: post.Passed,
		Failed: post.Failed,
		Reason: post.Reason,
	}
	report.OverallSuccess = post.Status == foundation.StatusHealthy
	return report
}

// dispatch runs the plan's groups in order, invocations within a group
// concurrently. A failed group stops the plan; results collected so far are
// kept for the report.
func (c *Coordinator) dispatch(ctx context.Context, task *contracts.Task, pl *plan.Plan) ([]contracts.SubTaskResult, bool) {
	results := make([]contracts.SubTaskResult, 0, pl.Invocations())

	for gi, group := range pl.Groups {
		groupResults := make([]contracts.SubTaskResult, len(group))
		var failed atomic.Bool
		var wg sync.WaitGroup

		for i, inv := range group {
			wg.Add(1)
			go func(i int, inv plan.Invocation) {
				defer wg.Done()
				r := c.invoke(ctx, task, inv)
				groupResults[i] = r
				if !r.Success {
					failed.Store(true)
				}
			}(i, inv)
		}
		wg.Wait()
		results = append(results, groupResults...)

		if failed.Load() {
			c.logger.Warn("group failed, aborting remaining groups",
				"task_id", task.ID, "group", gi)
			return results, false
		}
	}
	return results, true
}

// invoke runs one delegate with a bounded context and records its cost.
// Every invocation lands in the ledger, including ones that return no
// result: a timed-out or crashed delegate still consumed a dispatch slot and
// must show up in call counts and success rates. Ledger write failures
// degrade to a log line; they must not fail work that already happened.
func (c *Coordinator) invoke(ctx context.Context, task *contracts.Task, inv plan.Invocation) contracts.SubTaskResult {
	out := contracts.SubTaskResult{DelegateID: inv.Delegate}

	delegate, resource, err := c.registry.Lookup(inv.Delegate)
	if err != nil {
		out.Output = err.Error()
		c.recordCost(ctx, task, inv, resource, out, 0, 0)
		return out
	}

	invCtx, cancel := context.WithTimeout(ctx, c.delegateTimeout)
	defer cancel()

	start := c.now()
	res, err := delegate.Handle(invCtx, inv)
	out.DurationMS = c.now().Sub(start).Milliseconds()

	if res == nil {
		if err != nil {
			out.Output = err.Error()
		}
		c.recordCost(ctx, task, inv, resource, out, 0, 0)
		return out
	}

	out.Success = res.Success && err == nil
	out.Output = res.Output
	out.CostMicros = c.rates.Cost(resource, res.UnitsIn, res.UnitsOut)
	c.recordCost(ctx, task, inv, resource, out, res.UnitsIn, res.UnitsOut)
	return out
}

func (c *Coordinator) recordCost(ctx context.Context, task *contracts.Task, inv plan.Invocation, resource string, r contracts.SubTaskResult, unitsIn, unitsOut int64) {
	entry := costs.Entry{
		Timestamp:  c.now().UTC(),
		Agent:      inv.Delegate,
		Resource:   resource,
		UnitsIn:    unitsIn,
		UnitsOut:   unitsOut,
		DurationMS: r.DurationMS,
		CostMicros: r.CostMicros,
		Success:    r.Success,
		TaskID:     task.ID,
	}
	if err := c.ledger.Record(ctx, entry); err != nil {
		c.logger.Warn("cost entry not recorded",
			"task_id", task.ID, "delegate", inv.Delegate, "error", err)
	}
	c.obs.RecordSpend(ctx, r.CostMicros,
		attribute.String("delegate", inv.Delegate),
		attribute.String("resource", resource))
}

// finish publishes the report and acknowledges the task message. The report
// is published first: if the process dies between the two, the task is
// redelivered and the consumer deduplicates by correlation id.
func (c *Coordinator) finish(ctx context.Context, m *bus.Message, report *contracts.ExecutionReport) error {
	publish := func() (string, error) {
		return c.bus.Publish(ctx, c.resultTopic, report, bus.WithCorrelationID(report.CorrelationID))
	}
	reportID, err := backoff.Retry(ctx, publish,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.publishTries))
	if err != nil {
		return fmt.Errorf("publish report for %s: %w", m.ID, err)
	}

	if err := c.bus.Ack(ctx, m.ID); err != nil {
		return fmt.Errorf("ack %s: %w", m.ID, err)
	}
	c.logger.Info("task finished",
		"task_id", report.TaskID,
		"message_id", m.ID,
		"report_id", reportID,
		"success", report.OverallSuccess,
		"cost", costs.FormatUSD(report.TotalCostMicros),
		"verification", report.Verification.Status)
	return nil
}

// correlationID picks the id that links the task to its report: the
// producer's correlation id when one was supplied, otherwise the bus
// message id.
func correlationID(m *bus.Message) string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

// DecodeReport unmarshals a result-topic payload.
func DecodeReport(payload []byte) (*contracts.ExecutionReport, error) {
	var r contracts.ExecutionReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("coordinator: decode report: %w", err)
	}
	return &r, nil
}
