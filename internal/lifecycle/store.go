package lifecycle

import (
	"sync"
	"time"
)

// Integrity statuses recorded per stored event.
const (
	IntegrityValid         = "VALID"
	IntegrityInvalid       = "INVALID"
	IntegrityTamperSuspect = "TAMPER_SUSPECTED"
)

// StoredEvent is an ingested envelope plus the validation the ingestor
// attached to it.
type StoredEvent struct {
	Envelope        Envelope  `json:"envelope"`
	Status          Status    `json:"status"`
	Warnings        []string  `json:"warnings,omitempty"`
	HasViolations   bool      `json:"has_violations"`
	IntegrityStatus string    `json:"integrity_status"`
	AuditHash       string    `json:"audit_hash"`
	AuditPrevHash   string    `json:"audit_prev_hash,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// EventSink persists stored events outside the in-memory read models. Sink
// failures are logged by the ingestor, not surfaced to the adapter: the
// in-memory state already committed and the audit chain is the durable
// record of truth.
type EventSink interface {
	SaveEvent(ev *StoredEvent) error
}

// Store keeps ingested lifecycle events and the read models built from
// them: per-trace timelines and rejection counts by class.
type Store struct {
	mu              sync.RWMutex
	byTrace         map[string][]StoredEvent
	rejectionCounts map[string]int // reason_class -> count
	sink            EventSink
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byTrace:         make(map[string][]StoredEvent),
		rejectionCounts: make(map[string]int),
	}
}

// WithSink attaches a persistence sink. Returns the store for chaining.
func (s *Store) WithSink(sink EventSink) *Store {
	s.sink = sink
	return s
}

// Append records one ingested event. The sink error, if any, is returned so
// the caller can log it; the in-memory append always happens.
func (s *Store) Append(ev StoredEvent) error {
	s.mu.Lock()
	trace := ev.Envelope.Correlation.TraceID
	s.byTrace[trace] = append(s.byTrace[trace], ev)
	if r := ev.Envelope.Normalization.Reason; r != nil {
		s.rejectionCounts[r.ReasonClass]++
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		return sink.SaveEvent(&ev)
	}
	return nil
}

// Timeline returns the trace's events in ingestion order.
func (s *Store) Timeline(traceID string) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.byTrace[traceID]
	out := make([]StoredEvent, len(src))
	copy(out, src)
	return out
}

// CurrentStatus returns the trace's latest normalized status.
func (s *Store) CurrentStatus(traceID string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byTrace[traceID]
	if len(events) == 0 {
		return "", false
	}
	return events[len(events)-1].Status, true
}

// RejectionCounts returns a copy of the rejection counts by class.
func (s *Store) RejectionCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.rejectionCounts))
	for k, v := range s.rejectionCounts {
		out[k] = v
	}
	return out
}
