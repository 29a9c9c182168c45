// Package override implements operator overrides of gate decisions under
// dual control: one operator requests, a different operator approves. A
// legacy single-operator path exists for emergency runbooks and can be
// disabled outright.
package override

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradegate/backend/internal/audit"
)

// Override states.
const (
	StatePending  = "PENDING"
	StateApproved = "APPROVED"
	StateRejected = "REJECTED"
)

// Errors surfaced to the operator API.
var (
	ErrDualControlViolation = errors.New("override: approver must differ from requester")
	ErrAlreadyPending       = errors.New("override: an override is already pending for this trace")
	ErrAlreadyResolved      = errors.New("override: override already resolved for this trace")
	ErrNotPending           = errors.New("override: no pending override for this trace")
	ErrStrictDualControl    = errors.New("override: single-operator override disabled by policy")
)

// Record is one override request and its resolution.
type Record struct {
	ID            string    `json:"id"`
	TraceID       string    `json:"trace_id"`
	RequestedBy   string    `json:"requested_by"`
	ApprovedBy    string    `json:"approved_by,omitempty"`
	Justification string    `json:"justification"`
	State         string    `json:"state"`
	SingleOp      bool      `json:"single_operator,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
	ResolvedAt    time.Time `json:"resolved_at,omitempty"`
}

// Manager tracks overrides per trace and records every step in the trace's
// audit chain.
type Manager struct {
	mu                sync.Mutex
	byTrace           map[string][]*Record
	auditor           *audit.Log
	strictDualControl bool
	logger            *log.Logger
}

// NewManager creates a manager. strictDualControl disables the legacy
// single-operator path.
func NewManager(auditor *audit.Log, strictDualControl bool) *Manager {
	return &Manager{
		byTrace:           make(map[string][]*Record),
		auditor:           auditor,
		strictDualControl: strictDualControl,
		logger:            log.New(log.Writer(), "[Override] ", log.LstdFlags),
	}
}

func (m *Manager) pendingLocked(traceID string) *Record {
	for _, r := range m.byTrace[traceID] {
		if r.State == StatePending {
			return r
		}
	}
	return nil
}

func (m *Manager) resolvedLocked(traceID string) *Record {
	for _, r := range m.byTrace[traceID] {
		if r.State == StateApproved {
			return r
		}
	}
	return nil
}

// Request opens a pending override for a trace.
func (m *Manager) Request(ctx context.Context, traceID, operator, justification string) (*Record, error) {
	m.mu.Lock()
	if m.pendingLocked(traceID) != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	if m.resolvedLocked(traceID) != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyResolved
	}
	rec := &Record{
		ID:            uuid.NewString(),
		TraceID:       traceID,
		RequestedBy:   operator,
		Justification: justification,
		State:         StatePending,
		RequestedAt:   time.Now().UTC(),
	}
	m.byTrace[traceID] = append(m.byTrace[traceID], rec)
	m.mu.Unlock()

	if err := m.appendAudit(ctx, traceID, "override.requested", rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Approve resolves a pending override. The approver must be a different
// operator than the requester.
func (m *Manager) Approve(ctx context.Context, traceID, approver string) (*Record, error) {
	m.mu.Lock()
	rec := m.pendingLocked(traceID)
	if rec == nil {
		if m.resolvedLocked(traceID) != nil {
			m.mu.Unlock()
			return nil, ErrAlreadyResolved
		}
		m.mu.Unlock()
		return nil, ErrNotPending
	}
	if rec.RequestedBy == approver {
		m.mu.Unlock()
		return nil, ErrDualControlViolation
	}
	rec.State = StateApproved
	rec.ApprovedBy = approver
	rec.ResolvedAt = time.Now().UTC()
	out := *rec
	m.mu.Unlock()

	if err := m.appendAudit(ctx, traceID, "override.approved", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reject resolves a pending override negatively. Unlike Approve, the
// requester may withdraw their own request.
func (m *Manager) Reject(ctx context.Context, traceID, operator string) (*Record, error) {
	m.mu.Lock()
	rec := m.pendingLocked(traceID)
	if rec == nil {
		m.mu.Unlock()
		return nil, ErrNotPending
	}
	rec.State = StateRejected
	rec.ApprovedBy = operator
	rec.ResolvedAt = time.Now().UTC()
	out := *rec
	m.mu.Unlock()

	if err := m.appendAudit(ctx, traceID, "override.rejected", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplySingleOperator is the legacy one-step override. It is refused when
// strict dual control is configured.
func (m *Manager) ApplySingleOperator(ctx context.Context, traceID, operator, justification string) (*Record, error) {
	if m.strictDualControl {
		return nil, ErrStrictDualControl
	}

	m.mu.Lock()
	if m.pendingLocked(traceID) != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	if m.resolvedLocked(traceID) != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyResolved
	}
	rec := &Record{
		ID:            uuid.NewString(),
		TraceID:       traceID,
		RequestedBy:   operator,
		ApprovedBy:    operator,
		Justification: justification,
		State:         StateApproved,
		SingleOp:      true,
		RequestedAt:   time.Now().UTC(),
		ResolvedAt:    time.Now().UTC(),
	}
	m.byTrace[traceID] = append(m.byTrace[traceID], rec)
	m.mu.Unlock()

	m.logger.Printf("single-operator override applied trace=%s operator=%s", traceID, operator)
	if err := m.appendAudit(ctx, traceID, "override.single_operator", rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ForTrace returns copies of the trace's override records.
func (m *Manager) ForTrace(traceID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.byTrace[traceID]))
	for _, r := range m.byTrace[traceID] {
		out = append(out, *r)
	}
	return out
}

func (m *Manager) appendAudit(ctx context.Context, traceID, eventType string, rec *Record) error {
	if m.auditor == nil {
		return nil
	}
	if _, err := m.auditor.Append(ctx, traceID, eventType, 1, rec); err != nil {
		return fmt.Errorf("override: audit append: %w", err)
	}
	return nil
}
