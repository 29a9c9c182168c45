package shadowledger

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/tradegate/backend/internal/core"
)

// PostgresStore persists exposure events, positions and client limits. The
// in-memory engine stays authoritative for chain heads; writes here are
// write-through so a restarted node can rebuild state.
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
		CREATE TABLE IF NOT EXISTS exposure_events (
			id              BIGSERIAL PRIMARY KEY,
			trace_id        TEXT             NOT NULL,
			client_id       TEXT             NOT NULL,
			symbol          TEXT             NOT NULL,
			kind            TEXT             NOT NULL,
			side            TEXT,
			qty             BIGINT,
			price           DOUBLE PRECISION,
			delta           DOUBLE PRECISION NOT NULL,
			exposure_before DOUBLE PRECISION NOT NULL,
			exposure_after  DOUBLE PRECISION NOT NULL,
			prev_hash       TEXT             NOT NULL DEFAULT '',
			hash            TEXT             NOT NULL,
			created_at      TIMESTAMPTZ      NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_exposure_events_client ON exposure_events (client_id, id);
		CREATE INDEX IF NOT EXISTS idx_exposure_events_trace  ON exposure_events (trace_id);

		CREATE TABLE IF NOT EXISTS positions (
			client_id        TEXT             NOT NULL,
			symbol           TEXT             NOT NULL,
			net_quantity     BIGINT           NOT NULL,
			avg_cost_basis   DOUBLE PRECISION NOT NULL,
			gross_exposure   DOUBLE PRECISION NOT NULL,
			net_exposure     DOUBLE PRECISION NOT NULL,
			pending_exposure DOUBLE PRECISION NOT NULL,
			updated_at       TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
			PRIMARY KEY (client_id, symbol)
		);

		CREATE TABLE IF NOT EXISTS client_limits (
			client_id  TEXT        PRIMARY KEY,
			limits     JSONB       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("shadowledger: ensure schema: %w", err)
	}
	return nil
}

// SaveEvent persists one exposure event.
func (s *PostgresStore) SaveEvent(ev *ExposureEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO exposure_events
		 (trace_id, client_id, symbol, kind, side, qty, price, delta, exposure_before, exposure_after, prev_hash, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.TraceID, ev.ClientID, ev.Symbol, ev.Kind, ev.Side, ev.Qty, ev.Price,
		ev.Delta, ev.ExposureBefore, ev.ExposureAfter, ev.PrevHash, ev.Hash, ev.CreatedAt)
	return err
}

// SavePosition upserts the materialized position row.
func (s *PostgresStore) SavePosition(pos *Position) error {
	_, err := s.db.Exec(
		`INSERT INTO positions (client_id, symbol, net_quantity, avg_cost_basis, gross_exposure, net_exposure, pending_exposure, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (client_id, symbol) DO UPDATE SET
			net_quantity = EXCLUDED.net_quantity,
			avg_cost_basis = EXCLUDED.avg_cost_basis,
			gross_exposure = EXCLUDED.gross_exposure,
			net_exposure = EXCLUDED.net_exposure,
			pending_exposure = EXCLUDED.pending_exposure,
			updated_at = NOW()`,
		pos.ClientID, pos.Symbol, pos.NetQuantity, pos.AvgCostBasis,
		pos.GrossExposure, pos.NetExposure, pos.PendingExposure)
	return err
}

// SaveLimits upserts the client's limits as JSON.
func (s *PostgresStore) SaveLimits(clientID string, limits core.ClientLimits) error {
	raw, err := json.Marshal(limits)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO client_limits (client_id, limits, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (client_id) DO UPDATE SET limits = EXCLUDED.limits, updated_at = NOW()`,
		clientID, raw)
	return err
}

// LoadLimits returns all stored client limits, keyed by client.
func (s *PostgresStore) LoadLimits() (map[string]core.ClientLimits, error) {
	rows, err := s.db.Query(`SELECT client_id, limits FROM client_limits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]core.ClientLimits)
	for rows.Next() {
		var clientID string
		var raw []byte
		if err := rows.Scan(&clientID, &raw); err != nil {
			return nil, err
		}
		var limits core.ClientLimits
		if err := json.Unmarshal(raw, &limits); err != nil {
			return nil, fmt.Errorf("shadowledger: decode limits for %s: %w", clientID, err)
		}
		out[clientID] = limits
	}
	return out, rows.Err()
}
