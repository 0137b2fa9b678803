package costs

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresLedger implements Ledger on PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Init creates the cost_entries table if it does not exist.
func (l *PostgresLedger) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS cost_entries (
		ts_nanos BIGINT NOT NULL,
		agent TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		units_in BIGINT NOT NULL DEFAULT 0,
		units_out BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		cost_micros BIGINT NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		task_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_cost_entries_ts ON cost_entries(ts_nanos);
	CREATE INDEX IF NOT EXISTS idx_cost_entries_agent ON cost_entries(agent);`
	_, err := l.db.ExecContext(ctx, query)
	return err
}

func (l *PostgresLedger) Record(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO cost_entries (
		ts_nanos, agent, resource, units_in, units_out, duration_ms, cost_micros, success, task_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := l.db.ExecContext(ctx, query,
		e.Timestamp.UTC().UnixNano(), e.Agent, e.Resource,
		e.UnitsIn, e.UnitsOut, e.DurationMS, e.CostMicros, e.Success, e.TaskID)
	if err != nil {
		return fmt.Errorf("failed to record cost entry: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	query := `
		SELECT COALESCE(SUM(cost_micros), 0), COUNT(*),
		       COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)
		FROM cost_entries WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.Agent != "" {
		query += " AND agent = " + arg(f.Agent)
	}
	if f.Resource != "" {
		query += " AND resource = " + arg(f.Resource)
	}
	if !f.Since.IsZero() {
		query += " AND ts_nanos >= " + arg(f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		query += " AND ts_nanos < " + arg(f.Until.UTC().UnixNano())
	}

	var s Summary
	var succeeded int64
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&s.TotalCostMicros, &s.CallCount, &succeeded); err != nil {
		return nil, err
	}
	if s.CallCount > 0 {
		s.SuccessRate = float64(succeeded) / float64(s.CallCount)
	}
	return &s, nil
}
