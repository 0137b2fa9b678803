package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. This is the
// default backing at target scale: single-writer serialization comes from
// SQLite itself, so no consensus layer is needed.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and applies the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_topic_status
		ON messages(topic, status, priority DESC);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, m *Message) error {
	query := `INSERT INTO messages (
		id, topic, payload, priority, correlation_id, status, created_at, updated_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		m.ID, m.Topic, m.Payload, m.Priority, m.CorrelationID, m.Status,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.UpdatedAt.UTC().Format(time.RFC3339Nano),
		expiresNanos(m.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		m.seq = seq
	}
	return nil
}

func (s *SQLiteStore) NextUnacked(ctx context.Context, topic string, now time.Time) (*Message, error) {
	query := `
		SELECT id, topic, payload, priority, correlation_id, status, created_at, updated_at, expires_at, rowid
		FROM messages
		WHERE topic = ? AND status IN ('PENDING', 'DISPATCHED')
		  AND (expires_at = 0 OR expires_at > ?)
		ORDER BY priority DESC, rowid ASC
		LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, topic, now.UnixNano())

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) MarkDispatched(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE messages SET status = 'DISPATCHED', updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339Nano), id)
	return err
}

func (s *SQLiteStore) MarkAcknowledged(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE messages SET status = 'ACKNOWLEDGED', updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) PendingCount(ctx context.Context, topic string) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE topic = ? AND status IN ('PENDING', 'DISPATCHED')`
	var n int
	if err := s.db.QueryRowContext(ctx, query, topic).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE messages SET status = 'EXPIRED', updated_at = ?
		WHERE status IN ('PENDING', 'DISPATCHED') AND expires_at != 0 AND expires_at <= ?`
	res, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339Nano), now.UnixNano())
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var createdAt, updatedAt string
	var expiresAt int64
	err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.Priority, &m.CorrelationID,
		&m.Status, &createdAt, &updatedAt, &expiresAt, &m.seq)
	if err != nil {
		return nil, err
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at on message %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at on message %s: %w", m.ID, err)
	}
	if expiresAt != 0 {
		m.ExpiresAt = time.Unix(0, expiresAt).UTC()
	}
	return &m, nil
}

func expiresNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
