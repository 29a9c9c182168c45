// Package shadowledger maintains per-client projected exposure independently
// of execution venues: positions, pending-exposure holds, limit checks, and a
// per-client hash-chained exposure event log. All mutations for one client
// are serialized under a per-client lock, and every state change is written
// in the same critical section as its exposure event so an observer never
// sees one without the other.
package shadowledger

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/tradegate/backend/internal/canonical"
	"github.com/tradegate/backend/internal/core"
)

// Exposure event kinds.
const (
	KindAuthorized     = "AUTHORIZED"
	KindBlocked        = "BLOCKED"
	KindFilled         = "FILLED"
	KindCancelled      = "CANCELLED"
	KindExpired        = "EXPIRED"
	KindPositionClosed = "POSITION_CLOSED"
)

// Hold states.
const (
	HoldAuthorized = "AUTHORIZED_HOLD"
	HoldExecuted   = "EXECUTED"
	HoldExpired    = "EXPIRED"
	HoldCanceled   = "CANCELED"
)

// ErrStateConflict is returned when a fill or cancel arrives for a hold that
// already left the AUTHORIZED_HOLD state (e.g. a late fill after expiry).
var ErrStateConflict = errors.New("shadowledger: hold state conflict")

// ErrUnknownHold is returned when no hold exists for a trace.
var ErrUnknownHold = errors.New("shadowledger: unknown hold")

// ExposureEvent is one append-only exposure record, chained per client.
type ExposureEvent struct {
	ID             int64     `json:"id,omitempty"`
	TraceID        string    `json:"trace_id"`
	ClientID       string    `json:"client_id"`
	Symbol         string    `json:"symbol"`
	Kind           string    `json:"kind"`
	Side           string    `json:"side,omitempty"`
	Qty            int64     `json:"qty,omitempty"`
	Price          *float64  `json:"price,omitempty"`
	Delta          float64   `json:"delta"`
	ExposureBefore float64   `json:"exposure_before"`
	ExposureAfter  float64   `json:"exposure_after"`
	PrevHash       string    `json:"prev_hash,omitempty"`
	Hash           string    `json:"hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// Position is the materialized state for one (client, symbol).
type Position struct {
	ClientID        string  `json:"client_id"`
	Symbol          string  `json:"symbol"`
	NetQuantity     int64   `json:"net_quantity"`
	AvgCostBasis    float64 `json:"avg_cost_basis"`
	GrossExposure   float64 `json:"gross_exposure"`
	NetExposure     float64 `json:"net_exposure"`
	PendingExposure float64 `json:"pending_exposure"`
}

// Hold is a pending-exposure reservation tied to an authorized trace.
type Hold struct {
	TraceID       string    `json:"trace_id"`
	ClientID      string    `json:"client_id"`
	Symbol        string    `json:"symbol"`
	Side          core.Side `json:"side"`
	Qty           int64     `json:"qty"`
	Price         *float64  `json:"price,omitempty"`
	Notional      float64   `json:"notional"`
	State         string    `json:"state"`
	Signature     string    `json:"signature,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	PolicyHash    string    `json:"policy_snapshot_hash,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ResolvedAt    time.Time `json:"resolved_at,omitempty"`
}

// CheckResult is the outcome of a limit check.
type CheckResult struct {
	Allowed        bool              `json:"allowed"`
	BreachType     string            `json:"breach_type,omitempty"`
	BreachDetails  string            `json:"breach_details,omitempty"`
	CurrentGross   float64           `json:"current_gross"`
	CurrentNet     float64           `json:"current_net"`
	Pending        float64           `json:"pending"`
	ProjectedTotal float64           `json:"projected_total"`
	Limits         core.ClientLimits `json:"limits"`
}

// EventSink receives exposure events for durable storage. The in-memory
// engine is authoritative for chain heads; the sink is write-through.
type EventSink interface {
	SaveEvent(event *ExposureEvent) error
	SavePosition(pos *Position) error
}

// clientState is everything the ledger tracks for one client.
type clientState struct {
	mu        sync.Mutex
	positions map[string]*Position // symbol -> position
	events    []ExposureEvent
	lastHash  string
	limits    *core.ClientLimits
}

// Ledger is the in-process shadow ledger engine.
type Ledger struct {
	mu      sync.RWMutex
	clients map[string]*clientState
	holds   map[string]*Hold // traceID -> hold
	holdsMu sync.Mutex
	sink    EventSink
	logger  *log.Logger
	nextID  int64
}

// New creates an empty ledger. sink may be nil for dev/test runs.
func New(sink EventSink) *Ledger {
	return &Ledger{
		clients: make(map[string]*clientState),
		holds:   make(map[string]*Hold),
		sink:    sink,
		logger:  log.New(log.Writer(), "[ShadowLedger] ", log.LstdFlags),
	}
}

func (l *Ledger) client(clientID string) *clientState {
	l.mu.RLock()
	cs, ok := l.clients[clientID]
	l.mu.RUnlock()
	if ok {
		return cs
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cs, ok = l.clients[clientID]; ok {
		return cs
	}
	cs = &clientState{positions: make(map[string]*Position)}
	l.clients[clientID] = cs
	return cs
}

// SetLimits installs administrative limits for a client.
func (l *Ledger) SetLimits(clientID string, limits core.ClientLimits) {
	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.limits = &limits
}

// GetLimits returns the client's limits, or false when none are set.
func (l *Ledger) GetLimits(clientID string) (core.ClientLimits, bool) {
	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.limits == nil {
		return core.ClientLimits{}, false
	}
	return *cs.limits, true
}

// totalsLocked aggregates client-wide exposure; cs.mu must be held.
func (cs *clientState) totalsLocked() (gross, net, pending float64) {
	for _, p := range cs.positions {
		gross += p.GrossExposure
		net += p.NetExposure
		pending += p.PendingExposure
	}
	return
}

// signedNotional returns the net-exposure contribution of an order.
func signedNotional(side core.Side, notional float64) float64 {
	if side == core.SideSell {
		return -notional
	}
	return notional
}

// Check evaluates the client's limits against a projected notional without
// mutating state. Breaches are evaluated strictly in the order
// SINGLE_ORDER > GROSS_EXPOSURE > NET_EXPOSURE > SYMBOL_LIMIT and the first
// breach found is returned.
func (l *Ledger) Check(clientID, symbol string, side core.Side, qty int64, price *float64, projectedNotional float64) CheckResult {
	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return l.checkLocked(cs, symbol, side, projectedNotional)
}

func (l *Ledger) checkLocked(cs *clientState, symbol string, side core.Side, notional float64) CheckResult {
	gross, net, pending := cs.totalsLocked()

	res := CheckResult{
		CurrentGross:   gross,
		CurrentNet:     net,
		Pending:        pending,
		ProjectedTotal: gross + pending + notional,
	}
	if cs.limits == nil {
		// No limits configured means no administrative risk budget exists
		// for this client; the gate treats that as a configuration gap and
		// allows nothing through the ledger.
		res.BreachType = core.BreachGrossExposure
		res.BreachDetails = "no client limits configured"
		return res
	}
	limits := *cs.limits
	res.Limits = limits

	if limits.MaxSingleOrder > 0 && notional > limits.MaxSingleOrder {
		res.BreachType = core.BreachSingleOrder
		res.BreachDetails = fmt.Sprintf("order notional %.2f exceeds max_single_order %.2f", notional, limits.MaxSingleOrder)
		return res
	}
	if limits.MaxGross > 0 && gross+pending+notional > limits.MaxGross {
		res.BreachType = core.BreachGrossExposure
		res.BreachDetails = fmt.Sprintf("projected gross %.2f exceeds max_gross %.2f", gross+pending+notional, limits.MaxGross)
		return res
	}
	projectedNet := net + signedNotional(side, notional)
	if limits.MaxNet > 0 && math.Abs(projectedNet) > limits.MaxNet {
		res.BreachType = core.BreachNetExposure
		res.BreachDetails = fmt.Sprintf("projected |net| %.2f exceeds max_net %.2f", math.Abs(projectedNet), limits.MaxNet)
		return res
	}
	if sym, ok := limits.PerSymbol[symbol]; ok && sym.MaxExposure > 0 {
		var symGross, symPending float64
		if p, ok := cs.positions[symbol]; ok {
			symGross = p.GrossExposure
			symPending = p.PendingExposure
		}
		if symGross+symPending+notional > sym.MaxExposure {
			res.BreachType = core.BreachSymbolLimit
			res.BreachDetails = fmt.Sprintf("projected %s exposure %.2f exceeds symbol limit %.2f", symbol, symGross+symPending+notional, sym.MaxExposure)
			return res
		}
	}

	res.Allowed = true
	return res
}

// appendEventLocked links, hashes, stores and (optionally) persists an
// exposure event; cs.mu must be held.
func (l *Ledger) appendEventLocked(cs *clientState, ev *ExposureEvent) {
	ev.PrevHash = cs.lastHash
	ev.Hash = canonical.ExposureChainHash(ev.PrevHash, ev.TraceID, ev.ClientID, ev.Symbol, ev.Delta)
	ev.CreatedAt = time.Now().UTC()

	l.mu.Lock()
	l.nextID++
	ev.ID = l.nextID
	l.mu.Unlock()

	cs.events = append(cs.events, *ev)
	cs.lastHash = ev.Hash

	if l.sink != nil {
		if err := l.sink.SaveEvent(ev); err != nil {
			l.logger.Printf("sink: save event trace=%s kind=%s failed: %v", ev.TraceID, ev.Kind, err)
		}
	}
}

func (l *Ledger) persistPositionLocked(pos *Position) {
	if l.sink == nil {
		return
	}
	if err := l.sink.SavePosition(pos); err != nil {
		l.logger.Printf("sink: save position %s/%s failed: %v", pos.ClientID, pos.Symbol, err)
	}
}

// RecordBlocked appends a BLOCKED exposure event. Blocked decisions change
// no exposure but are part of the per-client chain.
func (l *Ledger) RecordBlocked(traceID, clientID, symbol string, side core.Side, qty int64, price *float64) {
	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	_, _, pending := cs.totalsLocked()
	l.appendEventLocked(cs, &ExposureEvent{
		TraceID:        traceID,
		ClientID:       clientID,
		Symbol:         symbol,
		Kind:           KindBlocked,
		Side:           string(side),
		Qty:            qty,
		Price:          price,
		Delta:          0,
		ExposureBefore: pending,
		ExposureAfter:  pending,
	})
}

// Reserve atomically re-checks limits and places an AUTHORIZED hold for the
// projected notional. The check and the reservation happen under the same
// client lock, so a concurrent reserve cannot slip past a limit.
func (l *Ledger) Reserve(traceID, clientID, symbol string, side core.Side, qty int64, price *float64, projectedNotional float64, signature, policyVersion, policyHash string) (CheckResult, error) {
	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	res := l.checkLocked(cs, symbol, side, projectedNotional)
	if !res.Allowed {
		return res, nil
	}

	pos := cs.positions[symbol]
	if pos == nil {
		pos = &Position{ClientID: clientID, Symbol: symbol}
		cs.positions[symbol] = pos
	}

	before := pos.PendingExposure
	pos.PendingExposure += projectedNotional

	l.appendEventLocked(cs, &ExposureEvent{
		TraceID:        traceID,
		ClientID:       clientID,
		Symbol:         symbol,
		Kind:           KindAuthorized,
		Side:           string(side),
		Qty:            qty,
		Price:          price,
		Delta:          projectedNotional,
		ExposureBefore: before,
		ExposureAfter:  pos.PendingExposure,
	})
	l.persistPositionLocked(pos)

	l.holdsMu.Lock()
	l.holds[traceID] = &Hold{
		TraceID:       traceID,
		ClientID:      clientID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Price:         price,
		Notional:      projectedNotional,
		State:         HoldAuthorized,
		Signature:     signature,
		PolicyVersion: policyVersion,
		PolicyHash:    policyHash,
		CreatedAt:     time.Now().UTC(),
	}
	l.holdsMu.Unlock()

	return res, nil
}

// Hold returns a copy of the hold for a trace.
func (l *Ledger) Hold(traceID string) (Hold, bool) {
	l.holdsMu.Lock()
	defer l.holdsMu.Unlock()
	h, ok := l.holds[traceID]
	if !ok {
		return Hold{}, false
	}
	return *h, true
}

// SettleFill applies an execution to the position and releases the trace's
// pending hold. A fill for an expired or cancelled hold fails with
// ErrStateConflict; a fill for an already-executed hold applies to the
// position only (partial fills after the first).
func (l *Ledger) SettleFill(traceID, clientID, symbol string, side core.Side, qty int64, fillPrice float64) error {
	l.holdsMu.Lock()
	hold, ok := l.holds[traceID]
	if !ok {
		l.holdsMu.Unlock()
		return fmt.Errorf("%w: trace %s", ErrUnknownHold, traceID)
	}
	switch hold.State {
	case HoldExpired, HoldCanceled:
		l.holdsMu.Unlock()
		return fmt.Errorf("%w: fill for %s hold on trace %s", ErrStateConflict, hold.State, traceID)
	}
	releasePending := 0.0
	if hold.State == HoldAuthorized {
		releasePending = hold.Notional
		hold.State = HoldExecuted
		hold.ResolvedAt = time.Now().UTC()
	}
	l.holdsMu.Unlock()

	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	pos := cs.positions[symbol]
	if pos == nil {
		pos = &Position{ClientID: clientID, Symbol: symbol}
		cs.positions[symbol] = pos
	}

	before := pos.GrossExposure + pos.PendingExposure

	if releasePending > 0 {
		pos.PendingExposure -= releasePending
		if pos.PendingExposure < 0 {
			pos.PendingExposure = 0
		}
	}
	applyFill(pos, side, qty, fillPrice)

	after := pos.GrossExposure + pos.PendingExposure
	l.appendEventLocked(cs, &ExposureEvent{
		TraceID:        traceID,
		ClientID:       clientID,
		Symbol:         symbol,
		Kind:           KindFilled,
		Side:           string(side),
		Qty:            qty,
		Price:          &fillPrice,
		Delta:          after - before,
		ExposureBefore: before,
		ExposureAfter:  after,
	})
	l.persistPositionLocked(pos)

	if pos.NetQuantity == 0 && pos.PendingExposure == 0 {
		l.closePositionLocked(cs, traceID, pos)
	}
	return nil
}

// closePositionLocked emits POSITION_CLOSED and removes the position row.
func (l *Ledger) closePositionLocked(cs *clientState, traceID string, pos *Position) {
	before := pos.GrossExposure
	pos.GrossExposure = 0
	pos.NetExposure = 0
	pos.AvgCostBasis = 0

	l.appendEventLocked(cs, &ExposureEvent{
		TraceID:        traceID,
		ClientID:       pos.ClientID,
		Symbol:         pos.Symbol,
		Kind:           KindPositionClosed,
		Delta:          -before,
		ExposureBefore: before,
		ExposureAfter:  0,
	})
	l.persistPositionLocked(pos)
	delete(cs.positions, pos.Symbol)
}

// applyFill updates quantity, basis and exposures for an execution.
func applyFill(pos *Position, side core.Side, qty int64, fillPrice float64) {
	signedQty := qty
	if side == core.SideSell {
		signedQty = -qty
	}

	prevQty := pos.NetQuantity
	newQty := prevQty + signedQty

	switch {
	case prevQty == 0 || (prevQty > 0) == (signedQty > 0):
		// Opening or increasing: weighted-average basis.
		total := math.Abs(float64(prevQty))*pos.AvgCostBasis + math.Abs(float64(signedQty))*fillPrice
		pos.AvgCostBasis = total / math.Abs(float64(newQty))
	case (prevQty > 0) != (newQty > 0) && newQty != 0:
		// Crossed through zero: remainder carries the fill price.
		pos.AvgCostBasis = fillPrice
	case newQty == 0:
		pos.AvgCostBasis = 0
	}

	pos.NetQuantity = newQty
	pos.NetExposure = float64(pos.NetQuantity) * pos.AvgCostBasis
	pos.GrossExposure = math.Abs(pos.NetExposure)
}

// Cancel releases an AUTHORIZED hold. Cancels for resolved holds fail with
// ErrStateConflict so duplicate cancels are visible to the caller.
func (l *Ledger) Cancel(traceID, clientID, symbol string, originalNotional float64) error {
	return l.releaseHold(traceID, clientID, symbol, originalNotional, HoldCanceled, KindCancelled)
}

func (l *Ledger) releaseHold(traceID, clientID, symbol string, notional float64, holdState, eventKind string) error {
	l.holdsMu.Lock()
	hold, ok := l.holds[traceID]
	if !ok {
		l.holdsMu.Unlock()
		return fmt.Errorf("%w: trace %s", ErrUnknownHold, traceID)
	}
	if hold.State != HoldAuthorized {
		l.holdsMu.Unlock()
		return fmt.Errorf("%w: %s for %s hold on trace %s", ErrStateConflict, eventKind, hold.State, traceID)
	}
	hold.State = holdState
	hold.ResolvedAt = time.Now().UTC()
	release := hold.Notional
	if notional > 0 {
		release = notional
	}
	l.holdsMu.Unlock()

	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	pos := cs.positions[symbol]
	if pos == nil {
		return nil
	}
	before := pos.PendingExposure
	pos.PendingExposure -= release
	if pos.PendingExposure < 0 {
		pos.PendingExposure = 0
	}

	l.appendEventLocked(cs, &ExposureEvent{
		TraceID:        traceID,
		ClientID:       clientID,
		Symbol:         symbol,
		Kind:           eventKind,
		Delta:          -(before - pos.PendingExposure),
		ExposureBefore: before,
		ExposureAfter:  pos.PendingExposure,
	})
	l.persistPositionLocked(pos)

	if pos.NetQuantity == 0 && pos.PendingExposure == 0 && pos.GrossExposure == 0 {
		delete(cs.positions, symbol)
	}
	return nil
}

// ExpireStaleHolds expires AUTHORIZED holds older than ttl and reverses
// their pending deltas. Returns the expired trace IDs. Expiry is idempotent;
// a hold already resolved is skipped.
func (l *Ledger) ExpireStaleHolds(ttl time.Duration) []string {
	cutoff := time.Now().UTC().Add(-ttl)

	l.holdsMu.Lock()
	var stale []*Hold
	for _, h := range l.holds {
		if h.State == HoldAuthorized && h.CreatedAt.Before(cutoff) {
			stale = append(stale, h)
		}
	}
	l.holdsMu.Unlock()

	var expired []string
	for _, h := range stale {
		if err := l.releaseHold(h.TraceID, h.ClientID, h.Symbol, h.Notional, HoldExpired, KindExpired); err != nil {
			// Lost the race to a fill or cancel; nothing to reverse.
			continue
		}
		expired = append(expired, h.TraceID)
	}
	if len(expired) > 0 {
		l.logger.Printf("expired %d stale hold(s)", len(expired))
	}
	return expired
}

// Position returns a copy of the (client, symbol) position.
func (l *Ledger) Position(clientID, symbol string) (Position, bool) {
	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	p, ok := cs.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Totals returns the client-wide gross, net, and pending exposure.
func (l *Ledger) Totals(clientID string) (gross, net, pending float64) {
	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.totalsLocked()
}

// Events returns a copy of the client's exposure event chain.
func (l *Ledger) Events(clientID string) []ExposureEvent {
	cs := l.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]ExposureEvent, len(cs.events))
	copy(out, cs.events)
	return out
}

// VerifyChain recomputes the client's exposure chain. A mismatch is a
// tamper indicator.
func (l *Ledger) VerifyChain(clientID string) (bool, int) {
	events := l.Events(clientID)
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev {
			return false, i
		}
		if canonical.ExposureChainHash(ev.PrevHash, ev.TraceID, ev.ClientID, ev.Symbol, ev.Delta) != ev.Hash {
			return false, i
		}
		prev = ev.Hash
	}
	return true, -1
}
