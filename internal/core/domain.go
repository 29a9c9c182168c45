// Package core holds the domain types shared across the gate pipeline:
// orders, decisions, reason codes, and client limits.
package core

import (
	"fmt"
	"strings"

	"github.com/tradegate/backend/internal/canonical"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Decision is the gate's domain-level outcome for an order.
type Decision string

const (
	DecisionAuthorized Decision = "AUTHORIZED"
	DecisionBlocked    Decision = "BLOCKED"
)

// Reason codes carried in decision envelopes and audit events.
const (
	ReasonInvalidOrderSchema = "INVALID_ORDER_SCHEMA"
	ReasonPolicyBlocked      = "POLICY_BLOCKED"
	ReasonGateUnavailable    = "GATE_UNAVAILABLE"
	ReasonStateUnavailable   = "STATE_UNAVAILABLE"
	ReasonSigningUnavailable = "SIGNING_UNAVAILABLE"
	ReasonAuditUnavailable   = "AUDIT_UNAVAILABLE"
	ReasonStateConflict      = "STATE_CONFLICT"
	ReasonReplayFailure      = "REPLAY_INTEGRITY_FAILURE"
)

// Breach types, ordered by severity. A single check returns the first breach
// in this order: SINGLE_ORDER > GROSS_EXPOSURE > NET_EXPOSURE > SYMBOL_LIMIT.
const (
	BreachSingleOrder   = "SINGLE_ORDER"
	BreachGrossExposure = "GROSS_EXPOSURE"
	BreachNetExposure   = "NET_EXPOSURE"
	BreachSymbolLimit   = "SYMBOL_LIMIT"
)

// Order is a client order as presented to the gate. ClientOrderID is opaque
// and client-chosen; uniqueness per client is an external concern.
type Order struct {
	ClientOrderID string   `json:"client_order_id"`
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side"`
	Qty           int64    `json:"qty"`
	Price         *float64 `json:"price,omitempty"`
}

// Validate applies the order schema rules. Violations surface as
// INVALID_ORDER_SCHEMA blocks at the gate.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.ClientOrderID) == "" {
		return fmt.Errorf("client_order_id is required")
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	side := Side(strings.ToUpper(string(o.Side)))
	if side != SideBuy && side != SideSell {
		return fmt.Errorf("side must be BUY or SELL, got %q", o.Side)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("qty must be a positive integer, got %d", o.Qty)
	}
	if o.Price != nil && *o.Price <= 0 {
		return fmt.Errorf("price must be positive when present, got %v", *o.Price)
	}
	return nil
}

// Normalize upper-cases symbol and side in place.
func (o *Order) Normalize() {
	o.Symbol = strings.ToUpper(o.Symbol)
	o.Side = Side(strings.ToUpper(string(o.Side)))
}

// Digest returns the deterministic order fingerprint bound into decision
// tokens and verified against lifecycle events.
func (o *Order) Digest() string {
	return canonical.OrderDigest(o.ClientOrderID, o.Symbol, string(o.Side), o.Qty, o.Price)
}

// Notional returns qty*price, or false when the order carries no price
// (market orders).
func (o *Order) Notional() (float64, bool) {
	if o.Price == nil {
		return 0, false
	}
	return float64(o.Qty) * *o.Price, true
}

// SymbolLimit is a per-symbol exposure cap.
type SymbolLimit struct {
	MaxExposure float64 `json:"max_exposure"`
}

// ClientLimits are the administrative risk limits for one client, all USD.
type ClientLimits struct {
	MaxGross       float64                `json:"max_gross"`
	MaxNet         float64                `json:"max_net"`
	MaxSingleOrder float64                `json:"max_single_order"`
	PerSymbol      map[string]SymbolLimit `json:"per_symbol,omitempty"`
}
