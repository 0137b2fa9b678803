package costs

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteLedger implements Ledger on an embedded SQLite database, usually the
// same file as the message store.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger wraps db and applies the schema.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS cost_entries (
		ts_nanos INTEGER NOT NULL,
		agent TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		units_in INTEGER NOT NULL DEFAULT 0,
		units_out INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		task_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_cost_entries_ts ON cost_entries(ts_nanos);
	CREATE INDEX IF NOT EXISTS idx_cost_entries_agent ON cost_entries(agent);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteLedger) Record(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO cost_entries (
		ts_nanos, agent, resource, units_in, units_out, duration_ms, cost_micros, success, task_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	success := 0
	if e.Success {
		success = 1
	}
	_, err := l.db.ExecContext(ctx, query,
		e.Timestamp.UTC().UnixNano(), e.Agent, e.Resource,
		e.UnitsIn, e.UnitsOut, e.DurationMS, e.CostMicros, success, e.TaskID)
	if err != nil {
		return fmt.Errorf("failed to record cost entry: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	query := `
		SELECT COALESCE(SUM(cost_micros), 0), COUNT(*), COALESCE(SUM(success), 0)
		FROM cost_entries WHERE 1=1`
	var args []any
	if f.Agent != "" {
		query += " AND agent = ?"
		args = append(args, f.Agent)
	}
	if f.Resource != "" {
		query += " AND resource = ?"
		args = append(args, f.Resource)
	}
	if !f.Since.IsZero() {
		query += " AND ts_nanos >= ?"
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		query += " AND ts_nanos < ?"
		args = append(args, f.Until.UTC().UnixNano())
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
