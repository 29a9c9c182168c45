// Package audit implements the append-only hash-chained audit log. Events
// chain per trace_id: hash = SHA256(prev_hash|event_type|event_version|
// canonical_json(payload)), prev_hash empty on the first event. A chain that
// fails verification is a tamper indicator and every consumer fails closed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tradegate/backend/internal/canonical"
)

// Event is one immutable audit record.
type Event struct {
	ID           int64           `json:"id,omitempty"`
	TraceID      string          `json:"trace_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	Payload      json.RawMessage `json:"payload"`
	PrevHash     string          `json:"prev_hash,omitempty"`
	Hash         string          `json:"hash"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AppendResult is returned from a successful append.
type AppendResult struct {
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash"`
}

// VerifyResult reports chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt int    `json:"broken_at,omitempty"` // index of the first bad event
	Reason   string `json:"reason,omitempty"`
}

// Store persists audit events. Implementations must preserve per-trace
// append order on Read.
type Store interface {
	Insert(ctx context.Context, event *Event) error
	Read(ctx context.Context, traceID string) ([]Event, error)
	LastHash(ctx context.Context, traceID string) (string, bool, error)
}

// Log is the chain producer. Appends for the same trace are serialized so
// the chain never forks under concurrent writers.
type Log struct {
	store  Store
	mu     sync.Mutex
	locks  map[string]*traceLock
	logger *log.Logger
}

// traceLock is a per-trace append mutex with the bookkeeping PruneLocks
// needs: an entry is only dropped when nobody holds or awaits it.
type traceLock struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// NewLog creates a Log over the given store.
func NewLog(store Store) *Log {
	return &Log{
		store:  store,
		locks:  make(map[string]*traceLock),
		logger: log.New(log.Writer(), "[Audit] ", log.LstdFlags),
	}
}

func (l *Log) acquire(traceID string) *traceLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.locks[traceID]
	if !ok {
		tl = &traceLock{}
		l.locks[traceID] = tl
	}
	tl.refs++
	return tl
}

func (l *Log) release(tl *traceLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	tl.lastUsed = time.Now().UTC()
}

// PruneLocks drops per-trace lock entries idle longer than maxIdle and
// returns how many were removed. A later append for a pruned trace simply
// recreates its entry.
func (l *Log) PruneLocks(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxIdle)
	removed := 0
	for traceID, tl := range l.locks {
		if tl.refs == 0 && tl.lastUsed.Before(cutoff) {
			delete(l.locks, traceID)
			removed++
		}
	}
	return removed
}

// Append canonicalizes the payload, links it to the trace's chain head, and
// persists it. The stored payload bytes are the exact canonical form the
// hash was computed over.
func (l *Log) Append(ctx context.Context, traceID, eventType string, eventVersion int, payload interface{}) (AppendResult, error) {
	body, err := canonical.MarshalJSON(payload)
	if err != nil {
		return AppendResult{}, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	lock := l.acquire(traceID)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		l.release(lock)
	}()

	prevHash, _, err := l.store.LastHash(ctx, traceID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("audit: read chain head: %w", err)
	}

	hash, err := canonical.ChainHash(prevHash, eventType, eventVersion, json.RawMessage(body))
	if err != nil {
		return AppendResult{}, err
	}

	event := &Event{
		TraceID:      traceID,
		EventType:    eventType,
		EventVersion: eventVersion,
		Payload:      body,
		PrevHash:     prevHash,
		Hash:         hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.Insert(ctx, event); err != nil {
		return AppendResult{}, fmt.Errorf("audit: insert: %w", err)
	}

	return AppendResult{PrevHash: prevHash, Hash: hash}, nil
}

// Read returns the ordered event list for a trace.
func (l *Log) Read(ctx context.Context, traceID string) ([]Event, error) {
	return l.store.Read(ctx, traceID)
}

// VerifyChain recomputes every link of an ordered event list. Any mismatch
// yields Valid=false with the break index; an empty chain is valid.
func VerifyChain(events []Event) VerifyResult {
	for i, ev := range events {
		if i == 0 {
			if ev.PrevHash != "" {
				return VerifyResult{Valid: false, BrokenAt: 0, Reason: "first event has a predecessor hash"}
			}
		} else if ev.PrevHash != events[i-1].Hash {
			return VerifyResult{Valid: false, BrokenAt: i, Reason: "prev_hash does not match predecessor"}
		}

		recomputed, err := canonical.ChainHash(ev.PrevHash, ev.EventType, ev.EventVersion, ev.Payload)
		if err != nil {
			return VerifyResult{Valid: false, BrokenAt: i, Reason: "payload does not canonicalize"}
		}
		if recomputed != ev.Hash {
			return VerifyResult{Valid: false, BrokenAt: i, Reason: "stored hash does not match recomputation"}
		}
	}
	return VerifyResult{Valid: true}
}

// Verify reads a trace's chain and verifies it.
func (l *Log) Verify(ctx context.Context, traceID string) (VerifyResult, error) {
	events, err := l.store.Read(ctx, traceID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(events), nil
}
