package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL for deployments that outgrow
// the embedded store. Row claims stay serialized per record; the at-least-once
// contract is unchanged.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db. Schema management is external (migrations),
// matching how the rest of the deployment handles Postgres DDL; Init applies
// the schema for development setups.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the messages table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_topic_status
		ON messages(topic, status, priority DESC, seq ASC);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, m *Message) error {
	query := `
		INSERT INTO messages (id, topic, payload, priority, correlation_id, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`
	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.Topic, m.Payload, m.Priority, m.CorrelationID, m.Status,
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(), expiresNanos(m.ExpiresAt),
	).Scan(&m.seq)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextUnacked(ctx context.Context, topic string, now time.Time) (*Message, error) {
	query := `
		SELECT id, topic, payload, priority, correlation_id, status, created_at, updated_at, expires_at, seq
		FROM messages
		WHERE topic = $1 AND status IN ('PENDING', 'DISPATCHED')
		  AND (expires_at = 0 OR expires_at > $2)
		ORDER BY priority DESC, seq ASC
		LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, topic, now.UnixNano())

	var m Message
	var expiresAt int64
	err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.Priority, &m.CorrelationID,
		&m.Status, &m.CreatedAt, &m.UpdatedAt, &expiresAt, &m.seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt != 0 {
		m.ExpiresAt = time.Unix(0, expiresAt).UTC()
	}
	return &m, nil
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE messages SET status = 'DISPATCHED', updated_at = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, now.UTC(), id)
	return err
}

func (s *PostgresStore) MarkAcknowledged(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE messages SET status = 'ACKNOWLEDGED', updated_at = $1 WHERE id = $2`
	res, err := s.db.ExecContext(ctx, query, now.UTC(), id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresStore) PendingCount(ctx context.Context, topic string) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE topic = $1 AND status IN ('PENDING', 'DISPATCHED')`
	var n int
	if err := s.db.QueryRowContext(ctx, query, topic).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE messages SET status = 'EXPIRED', updated_at = $1
		WHERE status IN ('PENDING', 'DISPATCHED') AND expires_at != 0 AND expires_at <= $2`
	res, err := s.db.ExecContext(ctx, query, now.UTC(), now.UnixNano())
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}
