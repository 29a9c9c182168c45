// Package idempotency deduplicates lifecycle ingress on
// (trace_id, event_type, payload_hash). A replay with the same key returns
// the original result without re-applying state; the same key with a
// different payload hash is flagged as a mismatch.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outcome of a reservation attempt.
type Outcome int

const (
	// OutcomeNew means the key was unseen and is now reserved by the caller.
	OutcomeNew Outcome = iota
	// OutcomeDuplicate means the key was already completed; Result carries
	// the stored response.
	OutcomeDuplicate
	// OutcomeInFlight means another request holds the reservation and has
	// not completed yet.
	OutcomeInFlight
	// OutcomePayloadMismatch means the key matched but the payload hash did
	// not: same logical event, different content.
	OutcomePayloadMismatch
)

// ErrUnavailable wraps backend failures so callers can map them to a
// fail-closed reason.
var ErrUnavailable = errors.New("idempotency: store unavailable")

// Key identifies one lifecycle ingress attempt.
type Key struct {
	TraceID     string
	EventType   string
	PayloadHash string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.TraceID, k.EventType, k.PayloadHash)
}

// dedupeKey ignores the payload hash so replays with altered payloads still
// collide with the original reservation.
func (k Key) dedupeKey() string {
	return fmt.Sprintf("%s|%s", k.TraceID, k.EventType)
}

// ResultState is the processing outcome recorded per key.
type ResultState string

const (
	ResultPending ResultState = "PENDING"
	ResultSuccess ResultState = "SUCCESS"
	ResultFailed  ResultState = "FAILED"
)

// Record is what the store keeps per key. AttemptCount counts every arrival
// of the key, first reservation included.
type Record struct {
	Key           Key             `json:"key"`
	State         ResultState     `json:"state"`
	Result        json.RawMessage `json:"result,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
}

// Reservation is the outcome handed back to the ingress path.
type Reservation struct {
	Outcome Outcome
	State   ResultState     // SUCCESS or FAILED for OutcomeDuplicate
	Result  json.RawMessage // set for OutcomeDuplicate
}

// Store is the dedupe backend.
type Store interface {
	// CheckAndReserve atomically reserves the key or reports its state,
	// bumping the attempt counter on every repeat arrival.
	CheckAndReserve(ctx context.Context, key Key) (Reservation, error)
	// Complete records the terminal state for a reserved key; state must be
	// SUCCESS or FAILED. Replays of a FAILED key receive the recorded
	// failure instead of re-processing.
	Complete(ctx context.Context, key Key, state ResultState, result json.RawMessage) error
	// Release drops a PENDING reservation. Completed records are never
	// dropped.
	Release(ctx context.Context, key Key) error
	// Cleanup removes records older than the retention window and returns
	// how many were dropped.
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}
