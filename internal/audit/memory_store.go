package audit

import (
	"context"
	"sync"
)

// MemoryStore is the in-process audit backend used by tests and dev runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event // traceID -> ordered events
	nextID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

// Insert appends the event to its trace.
func (s *MemoryStore) Insert(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	event.ID = s.nextID
	s.events[event.TraceID] = append(s.events[event.TraceID], *event)
	return nil
}

// Read returns a copy of the trace's events in append order.
func (s *MemoryStore) Read(ctx context.Context, traceID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[traceID]
	out := make([]Event, len(src))
	copy(out, src)
	return out, nil
}

// LastHash returns the trace's chain head.
func (s *MemoryStore) LastHash(ctx context.Context, traceID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[traceID]
	if len(events) == 0 {
		return "", false, nil
	}
	return events[len(events)-1].Hash, true, nil
}

// TraceIDs returns all known trace IDs; used by the expiry sweeper in
// dev mode and by tests.
func (s *MemoryStore) TraceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.events))
	for id := range s.events {
		out = append(out, id)
	}
	return out
}
