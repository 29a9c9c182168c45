package lifecycle

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore persists ingested lifecycle events write-through. The
// in-memory store stays authoritative for timelines during the process
// lifetime; this table lets a restarted node rebuild read models and gives
// operators a queryable history.
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
		CREATE TABLE IF NOT EXISTS lifecycle_events (
			id               BIGSERIAL   PRIMARY KEY,
			event_id         TEXT        NOT NULL,
			trace_id         TEXT        NOT NULL,
			event_type       TEXT        NOT NULL,
			status           TEXT        NOT NULL,
			envelope         JSONB       NOT NULL,
			warnings         JSONB,
			has_violations   BOOLEAN     NOT NULL DEFAULT FALSE,
			integrity_status TEXT        NOT NULL,
			audit_hash       TEXT        NOT NULL,
			audit_prev_hash  TEXT        NOT NULL DEFAULT '',
			received_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lifecycle_events_trace ON lifecycle_events (trace_id, id);
		CREATE INDEX IF NOT EXISTS idx_lifecycle_events_event ON lifecycle_events (event_id);
	`)
	if err != nil {
		return fmt.Errorf("lifecycle: ensure schema: %w", err)
	}
	return nil
}

// SaveEvent persists one stored event.
func (s *PostgresStore) SaveEvent(ev *StoredEvent) error {
	envelope, err := json.Marshal(ev.Envelope)
	if err != nil {
		return fmt.Errorf("lifecycle: encode envelope: %w", err)
	}
	var warnings []byte
	if len(ev.Warnings) > 0 {
		warnings, err = json.Marshal(ev.Warnings)
		if err != nil {
			return fmt.Errorf("lifecycle: encode warnings: %w", err)
		}
	}
	_, err = s.db.Exec(
		`INSERT INTO lifecycle_events
		 (event_id, trace_id, event_type, status, envelope, warnings, has_violations, integrity_status, audit_hash, audit_prev_hash, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.Envelope.EventID, ev.Envelope.Correlation.TraceID, ev.Envelope.EventType,
		ev.Status, envelope, warnings, ev.HasViolations, ev.IntegrityStatus,
		ev.AuditHash, ev.AuditPrevHash, ev.ReceivedAt)
	return err
}

// LoadTimeline returns a trace's persisted events in ingestion order.
func (s *PostgresStore) LoadTimeline(traceID string) ([]StoredEvent, error) {
	rows, err := s.db.Query(
		`SELECT envelope, status, warnings, has_violations, integrity_status, audit_hash, audit_prev_hash, received_at
		 FROM lifecycle_events WHERE trace_id = $1 ORDER BY id`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var envelope, warnings []byte
		if err := rows.Scan(&envelope, &ev.Status, &warnings, &ev.HasViolations,
			&ev.IntegrityStatus, &ev.AuditHash, &ev.AuditPrevHash, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(envelope, &ev.Envelope); err != nil {
			return nil, fmt.Errorf("lifecycle: decode envelope: %w", err)
		}
		if len(warnings) > 0 {
			if err := json.Unmarshal(warnings, &ev.Warnings); err != nil {
				return nil, fmt.Errorf("lifecycle: decode warnings: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
