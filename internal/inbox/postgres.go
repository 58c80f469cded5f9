package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the inbox in the inbox_events table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed inbox.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, ev Event) (Status, error) {
	const insert = `
        INSERT INTO inbox_events (event_id, topic, payload, status, received_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (event_id) DO NOTHING`
	tag, err := s.db.Exec(ctx, insert, ev.ID, ev.Topic, ev.Payload, string(StatusReceived), ev.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("record inbox event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return StatusReceived, nil
	}

	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM inbox_events WHERE event_id = $1`, ev.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrEventNotFound
		}
		return "", fmt.Errorf("read inbox status: %w", err)
	}
	return Status(status), nil
}

// MarkProcessed implements Store.
func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return s.mark(ctx, id, StatusProcessed, "", at)
}

// MarkFailed implements Store.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	return s.mark(ctx, id, StatusFailed, reason, at)
}

func (s *PostgresStore) mark(ctx context.Context, id string, status Status, reason string, at time.Time) error {
	const query = `
        UPDATE inbox_events
        SET status = $2, error = NULLIF($3, ''), processed_at = $4
        WHERE event_id = $1`
	tag, err := s.db.Exec(ctx, query, id, string(status), reason, at)
	if err != nil {
		return fmt.Errorf("mark inbox event %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}
