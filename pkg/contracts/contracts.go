// Package contracts defines the wire types shared between producers, the
// coordinator, and result consumers. A Task arrives on the task topic, an
// ExecutionReport leaves on the result topic; both are durable because they
// travel as bus messages.
package contracts

import "time"

// Task is the intake record pulled off the task topic.
type Task struct {
	ID          string         `json:"task_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SubTaskResult records the outcome of one delegate invocation.
type SubTaskResult struct {
	DelegateID string `json:"delegate_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	CostMicros int64  `json:"cost_micros"` // micro-dollars attributed to this invocation
	DurationMS int64  `json:"duration_ms"`
}

// Verification statuses for the post-execution foundation check.
const (
	VerificationHealthy = "healthy"
	VerificationBroken  = "broken"
	VerificationSkipped = "skipped"
)

// Verification is the post-execution foundation outcome embedded in a report.
type Verification struct {
	Status string `json:"status"` // healthy, broken, skipped
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Reason string `json:"reason,omitempty"`
}

// ExecutionReport is the structured result published to the result topic.
// It is the only task-scoped state that outlives the task.
type ExecutionReport struct {
	TaskID          string          `json:"task_id"`
	CorrelationID   string          `json:"correlation_id"`
	Results         []SubTaskResult `json:"results"`
	OverallSuccess  bool            `json:"overall_success"`
	Verification    Verification    `json:"verification"`
	TotalCostMicros int64           `json:"total_cost_micros"`
	DurationMS      int64           `json:"duration_ms"`
	CompletedAt     time.Time       `json:"completed_at"`
}
