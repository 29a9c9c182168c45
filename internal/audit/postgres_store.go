package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore is the durable audit backend for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id            BIGSERIAL PRIMARY KEY,
			trace_id      TEXT        NOT NULL,
			event_type    TEXT        NOT NULL,
			event_version INTEGER     NOT NULL,
			payload       JSONB       NOT NULL,
			prev_hash     TEXT        NOT NULL DEFAULT '',
			hash          TEXT        NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_trace ON audit_events (trace_id, id);
	`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Insert persists one event.
func (s *PostgresStore) Insert(ctx context.Context, event *Event) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO audit_events (trace_id, event_type, event_version, payload, prev_hash, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		event.TraceID, event.EventType, event.EventVersion, []byte(event.Payload),
		event.PrevHash, event.Hash, event.CreatedAt,
	).Scan(&event.ID)
}

// Read returns the trace's events in insertion order.
func (s *PostgresStore) Read(ctx context.Context, traceID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, event_type, event_version, payload, prev_hash, hash, created_at
		 FROM audit_events WHERE trace_id = $1 ORDER BY id`,
		traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.EventType, &ev.EventVersion,
			&payload, &ev.PrevHash, &ev.Hash, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastHash returns the trace's chain head.
func (s *PostgresStore) LastHash(ctx context.Context, traceID string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM audit_events WHERE trace_id = $1 ORDER BY id DESC LIMIT 1`,
		traceID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}
