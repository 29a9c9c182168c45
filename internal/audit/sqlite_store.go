package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore is the embedded audit backend for single-node deployments and
// airgapped evidence review.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under the gate's append pattern.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id      TEXT    NOT NULL,
			event_type    TEXT    NOT NULL,
			event_version INTEGER NOT NULL,
			payload       TEXT    NOT NULL,
			prev_hash     TEXT    NOT NULL DEFAULT '',
			hash          TEXT    NOT NULL,
			created_at    TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_trace ON audit_events (trace_id, id);
	`)
	if err != nil {
		return fmt.Errorf("audit: ensure sqlite schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert persists one event.
func (s *SQLiteStore) Insert(ctx context.Context, event *Event) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (trace_id, event_type, event_version, payload, prev_hash, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.TraceID, event.EventType, event.EventVersion, string(event.Payload),
		event.PrevHash, event.Hash, event.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	event.ID, err = res.LastInsertId()
	return err
}

// Read returns the trace's events in insertion order.
func (s *SQLiteStore) Read(ctx context.Context, traceID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, event_type, event_version, payload, prev_hash, hash, created_at
		 FROM audit_events WHERE trace_id = ? ORDER BY id`,
		traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload, createdAt string
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.EventType, &ev.EventVersion,
			&payload, &ev.PrevHash, &ev.Hash, &createdAt); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			ev.CreatedAt = ts
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastHash returns the trace's chain head.
func (s *SQLiteStore) LastHash(ctx context.Context, traceID string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM audit_events WHERE trace_id = ? ORDER BY id DESC LIMIT 1`,
		traceID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}
