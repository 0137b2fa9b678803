package coordinator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside-labs/stevedore/pkg/budget"
	"github.com/quayside-labs/stevedore/pkg/bus"
	"github.com/quayside-labs/stevedore/pkg/contracts"
	"github.com/quayside-labs/stevedore/pkg/coordinator"
	"github.com/quayside-labs/stevedore/pkg/costs"
	"github.com/quayside-labs/stevedore/pkg/foundation"
	"github.com/quayside-labs/stevedore/pkg/plan"
)

const (
	taskTopic   = "tasks"
	resultTopic = "results"
)

type stubFoundation struct {
	pre       *foundation.Result
	post      *foundation.Result
	postCalls atomic.Int32
}

func (s *stubFoundation) Verify(ctx context.Context, useCache bool) (*foundation.Result, error) {
	if useCache {
		return s.pre, nil
	}
	s.postCalls.Add(1)
	return s.post, nil
}

type stubBudget struct {
	enforceErr error
	alerts     []budget.Alert
}

func (s *stubBudget) Enforce(ctx context.Context) error { return s.enforceErr }

func (s *stubBudget) CheckAlerts(ctx context.Context) ([]budget.Alert, error) {
	return s.alerts, nil
}

func healthyResult() *foundation.Result {
	return &foundation.Result{Status: foundation.StatusHealthy, Passed: 10, CheckedAt: time.Now()}
}

type fixture struct {
	bus    *bus.Bus
	ledger *costs.MemoryLedger
	fnd    *stubFoundation
	bdg    *stubBudget
	coord  *coordinator.Coordinator
}

func newFixture(t *testing.T, registry *coordinator.Registry, templates map[string]plan.Template) *fixture {
	t.Helper()
	b := bus.New(bus.NewMemoryStore(), bus.WithPollInterval(5*time.Millisecond))
	planner, err := plan.NewPlanner(templates, "writer", nil)
	require.NoError(t, err)

	f := &fixture{
		bus:    b,
		ledger: costs.NewMemoryLedger(),
		fnd:    &stubFoundation{pre: healthyResult(), post: healthyResult()},
		bdg:    &stubBudget{},
	}
	rates := costs.NewRateTable(map[string]costs.Rate{
		"model-large": {InputMicros: 3, OutputMicros: 15},
		"model-small": {InputMicros: 1, OutputMicros: 2},
	}, costs.Rate{InputMicros: 1, OutputMicros: 1})

	f.coord = coordinator.New(b, taskTopic, resultTopic, planner, registry,
		f.fnd, f.bdg, f.ledger, rates,
		coordinator.WithDelegateTimeout(time.Second))
	return f
}

func (f *fixture) start(t *testing.T) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.coord.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func (f *fixture) publishTask(t *testing.T, payload string, opts ...bus.PublishOption) string {
	t.Helper()
	id, err := f.bus.Publish(context.Background(), taskTopic, []byte(payload), opts...)
	require.NoError(t, err)
	return id
}

func (f *fixture) nextReport(t *testing.T) (*contracts.ExecutionReport, *bus.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m, err := f.bus.Subscribe(resultTopic).Next(ctx)
	require.NoError(t, err)
	require.NoError(t, f.bus.Ack(context.Background(), m.ID))
	r, err := coordinator.DecodeReport(m.Payload)
	require.NoError(t, err)
	return r, m
}

func okDelegate(output string, unitsIn, unitsOut int64, calls *atomic.Int32) coordinator.DelegateFunc {
	return func(ctx context.Context, inv plan.Invocation) (*coordinator.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &coordinator.Result{Success: true, Output: output, UnitsIn: unitsIn, UnitsOut: unitsOut}, nil
	}
}

func TestCoordinator_EndToEnd(t *testing.T) {
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large", okDelegate("wrote it", 100, 50, nil)))
	require.NoError(t, registry.Register("reviewer", "model-small", okDelegate("looks good", 10, 5, nil)))

	f := newFixture(t, registry, map[string]plan.Template{
		"code_change": {Groups: [][]string{{"writer"}, {"reviewer"}}},
	})
	cancel, errCh := f.start(t)

	msgID := f.publishTask(t,
		`{"task_id":"t1","type":"code_change","description":"add retry","priority":5}`,
		bus.WithPriority(5))

	report, msg := f.nextReport(t)
	assert.Equal(t, "t1", report.TaskID)
	assert.Equal(t, msgID, report.CorrelationID)
	assert.Equal(t, msgID, msg.CorrelationID)
	assert.True(t, report.OverallSuccess)
	assert.Equal(t, contracts.VerificationHealthy, report.Verification.Status)

	require.Len(t, report.Results, 2)
	assert.Equal(t, "writer", report.Results[0].DelegateID)
	assert.Equal(t, "reviewer", report.Results[1].DelegateID)
	assert.True(t, report.Results[0].Success)
	assert.Equal(t, int64(100*3+50*15), report.Results[0].CostMicros)
	assert.Equal(t, int64(10*1+5*2), report.Results[1].CostMicros)
	assert.Equal(t, int64(1070), report.TotalCostMicros)

	// spend landed in the ledger, attributed per delegate
	summary, err := f.ledger.Summarize(context.Background(), costs.Filter{Agent: "writer"})
	require.NoError(t, err)
	assert.Equal(t, int64(1050), summary.TotalCostMicros)

	// the task message is gone from the pending set
	require.Eventually(t, func() bool {
		n, err := f.bus.PendingCount(context.Background(), taskTopic)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)
}

func TestCoordinator_PostVerificationOverridesSuccess(t *testing.T) {
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large", okDelegate("done", 1, 1, nil)))

	f := newFixture(t, registry, nil)
	f.fnd.post = &foundation.Result{
		Status: foundation.StatusBroken, Passed: 7, Failed: 2,
		Reason: "2 validation failures reported", CheckedAt: time.Now(),
	}
	f.start(t)

	f.publishTask(t, `{"task_id":"t2","type":"anything","description":"x","priority":1}`)

	report, _ := f.nextReport(t)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Success, "delegate succeeded")
	assert.False(t, report.OverallSuccess, "broken foundation overrides delegate success")
	assert.Equal(t, contracts.VerificationBroken, report.Verification.Status)
	assert.Equal(t, 2, report.Verification.Failed)
}

func TestCoordinator_FailFastKeepsPartialResults(t *testing.T) {
	var reviewerCalls atomic.Int32
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large",
		coordinator.DelegateFunc(func(ctx context.Context, inv plan.Invocation) (*coordinator.Result, error) {
			return &coordinator.Result{Success: false, Output: "compile error", UnitsIn: 5, UnitsOut: 1}, nil
		})))
	require.NoError(t, registry.Register("reviewer", "model-small", okDelegate("ok", 1, 1, &reviewerCalls)))

	f := newFixture(t, registry, map[string]plan.Template{
		"code_change": {Groups: [][]string{{"writer"}, {"reviewer"}}},
	})
	f.start(t)

	f.publishTask(t, `{"task_id":"t3","type":"code_change","description":"x","priority":1}`)

	report, _ := f.nextReport(t)
	assert.False(t, report.OverallSuccess)
	require.Len(t, report.Results, 1, "later groups never ran")
	assert.Equal(t, "writer", report.Results[0].DelegateID)
	assert.Equal(t, "compile error", report.Results[0].Output)
	assert.Equal(t, int32(0), reviewerCalls.Load())

	assert.Equal(t, contracts.VerificationSkipped, report.Verification.Status)
	assert.Equal(t, int32(0), f.fnd.postCalls.Load(), "no fresh verification after failed execution")
}

func TestCoordinator_FailedInvocationStillReachesLedger(t *testing.T) {
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large",
		coordinator.DelegateFunc(func(ctx context.Context, inv plan.Invocation) (*coordinator.Result, error) {
			return nil, errors.New("delegate crashed")
		})))

	f := newFixture(t, registry, nil)
	f.start(t)

	f.publishTask(t, `{"task_id":"t7","type":"anything","description":"x","priority":1}`)

	report, _ := f.nextReport(t)
	assert.False(t, report.OverallSuccess)
	require.Len(t, report.Results, 1)
	assert.False(t, report.Results[0].Success)
	assert.Contains(t, report.Results[0].Output, "delegate crashed")

	// the crash consumed a dispatch slot: it must be visible in the ledger
	summary, err := f.ledger.Summarize(context.Background(), costs.Filter{Agent: "writer"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.CallCount)
	assert.Equal(t, int64(0), summary.TotalCostMicros)
	assert.Equal(t, 0.0, summary.SuccessRate)
}

func TestCoordinator_UnregisteredDelegateStillReachesLedger(t *testing.T) {
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large", okDelegate("x", 1, 1, nil)))

	f := newFixture(t, registry, map[string]plan.Template{
		"misrouted": {Groups: [][]string{{"ghost"}}},
	})
	f.start(t)

	f.publishTask(t, `{"task_id":"t8","type":"misrouted","description":"x","priority":1}`)

	report, _ := f.nextReport(t)
	assert.False(t, report.OverallSuccess)
	require.Len(t, report.Results, 1)
	assert.Contains(t, report.Results[0].Output, "ghost")

	summary, err := f.ledger.Summarize(context.Background(), costs.Filter{Agent: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.CallCount)
	assert.Equal(t, 0.0, summary.SuccessRate)
}

func TestCoordinator_ProducerCorrelationIDPropagates(t *testing.T) {
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large", okDelegate("x", 1, 1, nil)))

	f := newFixture(t, registry, nil)
	f.start(t)

	f.publishTask(t,
		`{"task_id":"t9","type":"anything","description":"x","priority":1}`,
		bus.WithCorrelationID("corr-42"))

	report, msg := f.nextReport(t)
	assert.Equal(t, "corr-42", report.CorrelationID,
		"a producer-supplied correlation id must survive to the report")
	assert.Equal(t, "corr-42", msg.CorrelationID)
}

func TestCoordinator_BudgetHaltLeavesTaskPending(t *testing.T) {
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large", okDelegate("x", 1, 1, nil)))

	f := newFixture(t, registry, nil)
	f.bdg.enforceErr = &budget.ExceededError{
		SpentMicros: 10_500_000, LimitMicros: 10_000_000,
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	_, errCh := f.start(t)

	f.publishTask(t, `{"task_id":"t4","type":"anything","description":"x","priority":1}`)

	var exceeded *budget.ExceededError
	select {
	case err := <-errCh:
		require.ErrorAs(t, err, &exceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not halt")
	}

	// the message was never acknowledged: a refilled budget picks it up
	n, err := f.bus.PendingCount(context.Background(), taskTopic)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.bus.PendingCount(context.Background(), resultTopic)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no report for unstarted work")
}

func TestCoordinator_BrokenFoundationDefersTask(t *testing.T) {
	registry := coordinator.NewRegistry()
	var writerCalls atomic.Int32
	require.NoError(t, registry.Register("writer", "model-large", okDelegate("x", 1, 1, &writerCalls)))

	f := newFixture(t, registry, nil)
	f.fnd.pre = &foundation.Result{Status: foundation.StatusBroken, Failed: 3, CheckedAt: time.Now()}
	cancel, errCh := f.start(t)

	f.publishTask(t, `{"task_id":"t5","type":"anything","description":"x","priority":1}`)

	// give the loop a few polls; the task must stay pending and unbilled
	time.Sleep(100 * time.Millisecond)
	n, err := f.bus.PendingCount(context.Background(), taskTopic)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(0), writerCalls.Load())

	cancel()
	assert.NoError(t, <-errCh)
}

func TestCoordinator_MalformedTaskIsRejectedNotRetried(t *testing.T) {
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large", okDelegate("x", 1, 1, nil)))

	f := newFixture(t, registry, nil)
	f.start(t)

	msgID := f.publishTask(t, `{"type":"code_change"`) // truncated JSON

	report, _ := f.nextReport(t)
	assert.False(t, report.OverallSuccess)
	assert.Equal(t, msgID, report.CorrelationID)
	assert.Equal(t, contracts.VerificationSkipped, report.Verification.Status)
	assert.Contains(t, report.Verification.Reason, "task rejected")

	require.Eventually(t, func() bool {
		n, err := f.bus.PendingCount(context.Background(), taskTopic)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond, "poison message must not pin the queue")
}

func TestCoordinator_TasksAreIndependent(t *testing.T) {
	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large",
		coordinator.DelegateFunc(func(ctx context.Context, inv plan.Invocation) (*coordinator.Result, error) {
			return &coordinator.Result{Success: true, Output: "echo: " + inv.Prompt, UnitsIn: 1, UnitsOut: 1}, nil
		})))

	f := newFixture(t, registry, nil)
	f.start(t)

	f.publishTask(t, `{"task_id":"a","type":"anything","description":"first","priority":1}`)
	f.publishTask(t, `{"task_id":"b","type":"anything","description":"second","priority":1}`)

	first, _ := f.nextReport(t)
	second, _ := f.nextReport(t)

	byTask := map[string]*contracts.ExecutionReport{first.TaskID: first, second.TaskID: second}
	require.Contains(t, byTask, "a")
	require.Contains(t, byTask, "b")
	require.Len(t, byTask["a"].Results, 1)
	require.Len(t, byTask["b"].Results, 1)
	assert.Equal(t, "echo: first", byTask["a"].Results[0].Output)
	assert.Equal(t, "echo: second", byTask["b"].Results[0].Output)
}

func TestCoordinator_GroupRunsConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := coordinator.DelegateFunc(func(ctx context.Context, inv plan.Invocation) (*coordinator.Result, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return &coordinator.Result{Success: true, UnitsIn: 1, UnitsOut: 1}, nil
	})

	registry := coordinator.NewRegistry()
	require.NoError(t, registry.Register("writer", "model-large", slow))
	require.NoError(t, registry.Register("reviewer", "model-small", slow))
	require.NoError(t, registry.Register("tester", "model-small", slow))

	f := newFixture(t, registry, map[string]plan.Template{
		"fanout": {Groups: [][]string{{"writer", "reviewer", "tester"}}},
	})
	f.start(t)

	f.publishTask(t, `{"task_id":"t6","type":"fanout","description":"x","priority":1}`)

	report, _ := f.nextReport(t)
	require.Len(t, report.Results, 3)
	assert.True(t, report.OverallSuccess)
	assert.GreaterOrEqual(t, peak.Load(), int32(2), "group members overlap in time")
}
