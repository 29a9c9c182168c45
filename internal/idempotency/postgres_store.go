package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore is the durable dedupe backend. Reservation atomicity comes
// from the unique index on (trace_id, event_type): the first insert wins and
// contenders read the winner's row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open pool and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_records (
			trace_id        TEXT        NOT NULL,
			event_type      TEXT        NOT NULL,
			payload_hash    TEXT        NOT NULL,
			state           TEXT        NOT NULL DEFAULT 'PENDING',
			result          JSONB,
			attempt_count   INTEGER     NOT NULL DEFAULT 1,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at    TIMESTAMPTZ,
			PRIMARY KEY (trace_id, event_type)
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_records (created_at);
	`)
	if err != nil {
		return fmt.Errorf("idempotency: ensure schema: %w", err)
	}
	return nil
}

// CheckAndReserve inserts the reservation or classifies the existing row,
// bumping the attempt counter in the same statement. xmax = 0 distinguishes
// a fresh insert from a conflicting update.
func (s *PostgresStore) CheckAndReserve(ctx context.Context, key Key) (Reservation, error) {
	var inserted bool
	var storedHash, state string
	var result []byte
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO idempotency_records (trace_id, event_type, payload_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (trace_id, event_type) DO UPDATE
		 SET attempt_count = idempotency_records.attempt_count + 1,
		     last_attempt_at = NOW()
		 RETURNING (xmax = 0), payload_hash, state, result`,
		key.TraceID, key.EventType, key.PayloadHash).Scan(&inserted, &storedHash, &state, &result)
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if inserted {
		return Reservation{Outcome: OutcomeNew}, nil
	}

	if storedHash != key.PayloadHash {
		return Reservation{Outcome: OutcomePayloadMismatch}, nil
	}
	if ResultState(state) == ResultPending {
		return Reservation{Outcome: OutcomeInFlight}, nil
	}
	return Reservation{Outcome: OutcomeDuplicate, State: ResultState(state), Result: result}, nil
}

// Complete records the terminal state for a reserved key.
func (s *PostgresStore) Complete(ctx context.Context, key Key, state ResultState, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET state = $3, result = $4, completed_at = NOW()
		 WHERE trace_id = $1 AND event_type = $2`,
		key.TraceID, key.EventType, string(state), []byte(result))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Release drops a PENDING reservation.
func (s *PostgresStore) Release(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records
		 WHERE trace_id = $1 AND event_type = $2 AND state = 'PENDING'`,
		key.TraceID, key.EventType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Cleanup removes records older than retention.
func (s *PostgresStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE created_at < $1`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
