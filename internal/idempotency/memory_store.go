package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is the in-process dedupe backend for tests and dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record // dedupeKey -> record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// CheckAndReserve atomically reserves the key or reports its state.
func (s *MemoryStore) CheckAndReserve(ctx context.Context, key Key) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := s.records[key.dedupeKey()]
	if !ok {
		s.records[key.dedupeKey()] = &Record{
			Key:           key,
			State:         ResultPending,
			AttemptCount:  1,
			CreatedAt:     now,
			LastAttemptAt: now,
		}
		return Reservation{Outcome: OutcomeNew}, nil
	}

	rec.AttemptCount++
	rec.LastAttemptAt = now

	if rec.Key.PayloadHash != key.PayloadHash {
		return Reservation{Outcome: OutcomePayloadMismatch}, nil
	}
	if rec.State == ResultPending {
		return Reservation{Outcome: OutcomeInFlight}, nil
	}
	return Reservation{Outcome: OutcomeDuplicate, State: rec.State, Result: rec.Result}, nil
}

// Complete records the terminal state for a reserved key.
func (s *MemoryStore) Complete(ctx context.Context, key Key, state ResultState, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key.dedupeKey()]
	if !ok {
		now := time.Now().UTC()
		rec = &Record{Key: key, State: ResultPending, AttemptCount: 1, CreatedAt: now, LastAttemptAt: now}
		s.records[key.dedupeKey()] = rec
	}
	rec.State = state
	rec.Result = result
	rec.CompletedAt = time.Now().UTC()
	return nil
}

// Release drops a PENDING reservation.
func (s *MemoryStore) Release(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key.dedupeKey()]; ok && rec.State == ResultPending {
		delete(s.records, key.dedupeKey())
	}
	return nil
}

// Cleanup removes records older than retention.
func (s *MemoryStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for k, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}
