// Package policy implements the deterministic rule evaluator the gate calls
// for every order. Rules are ordered, first match wins, and evaluation is a
// pure function of the order, the exposure context, and the loaded bundle.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/tradegate/backend/internal/canonical"
	"github.com/tradegate/backend/internal/core"
)

// Actions a rule can take.
const (
	ActionAllow = "ALLOW"
	ActionBlock = "BLOCK"
)

// TokenHashLen is the truncated snapshot-hash length carried on decision
// tokens. The evidence pack stores the full 64-hex digest and the consistency
// check compares this prefix; the truncation is preserved for wire
// compatibility and its collision exposure is accepted and documented.
const TokenHashLen = 16

// ErrNoBundle is returned when evaluation happens before any bundle loads.
var ErrNoBundle = errors.New("policy: no bundle loaded")

// ExposureContext is the shadow-ledger view handed to the evaluator.
type ExposureContext struct {
	ClientID     string            `json:"client_id"`
	CurrentGross float64           `json:"current_gross"`
	CurrentNet   float64           `json:"current_net"`
	Pending      float64           `json:"pending"`
	Limits       core.ClientLimits `json:"limits"`
}

// Predicate is the closed comparison set a rule may test. All set fields
// must hold for the rule to match; an empty predicate matches every order.
type Predicate struct {
	SymbolIn            []string `yaml:"symbol_in,omitempty"`
	SymbolNotIn         []string `yaml:"symbol_not_in,omitempty"`
	SideIs              string   `yaml:"side_is,omitempty"`
	QtyAbove            *int64   `yaml:"qty_above,omitempty"`
	PriceAbove          *float64 `yaml:"price_above,omitempty"`
	NotionalAbove       *float64 `yaml:"notional_above,omitempty"`
	ProjectedGrossAbove *float64 `yaml:"projected_gross_above,omitempty"`
	PendingAbove        *float64 `yaml:"pending_above,omitempty"`
	MarketOrder         *bool    `yaml:"market_order,omitempty"`
}

// Rule is one ordered policy rule.
type Rule struct {
	ID          string    `yaml:"id"`
	Description string    `yaml:"description,omitempty"`
	When        Predicate `yaml:"when"`
	Action      string    `yaml:"action"`
	ReasonCode  string    `yaml:"reason_code,omitempty"`
}

// Bundle is a parsed policy bundle plus the exact content it was parsed
// from. SnapshotHash is SHA-256 over Content; the content is embedded in
// evidence packs so old tokens stay verifiable after hot reloads.
type Bundle struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`

	Content      string `yaml:"-"`
	SnapshotHash string `yaml:"-"`
}

// ParseBundle parses YAML bundle content and computes its snapshot hash.
func ParseBundle(content []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(content, &b); err != nil {
		return nil, fmt.Errorf("policy: parse bundle: %w", err)
	}
	if b.Version == "" {
		return nil, fmt.Errorf("policy: bundle missing version")
	}
	if len(b.Rules) == 0 {
		return nil, fmt.Errorf("policy: bundle has no rules")
	}
	for i, r := range b.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("policy: rule %d missing id", i)
		}
		if r.Action != ActionAllow && r.Action != ActionBlock {
			return nil, fmt.Errorf("policy: rule %q has invalid action %q", r.ID, r.Action)
		}
	}

	b.Content = string(content)
	b.SnapshotHash = canonical.SHA256Hex(content)
	return &b, nil
}

// TokenHash returns the truncated on-token form of the snapshot hash.
func (b *Bundle) TokenHash() string {
	if len(b.SnapshotHash) < TokenHashLen {
		return b.SnapshotHash
	}
	return b.SnapshotHash[:TokenHashLen]
}

// Result is the evaluator's verdict for one order.
type Result struct {
	Decision           string `json:"decision"` // ALLOW or BLOCK
	ReasonCode         string `json:"reason_code,omitempty"`
	RuleID             string `json:"rule_id,omitempty"`
	PolicyVersion      string `json:"policy_version"`
	PolicySnapshotHash string `json:"policy_snapshot_hash"`
}

// Evaluate runs the bundle's rules in order against the order and exposure
// context. No rule matching is a BLOCK: an order the policy says nothing
// about carries unknown risk.
func (b *Bundle) Evaluate(order core.Order, ctx ExposureContext) Result {
	base := Result{
		PolicyVersion:      b.Version,
		PolicySnapshotHash: b.TokenHash(),
	}

	for _, rule := range b.Rules {
		if !rule.When.matches(order, ctx) {
			continue
		}
		base.RuleID = rule.ID
		if rule.Action == ActionAllow {
			base.Decision = ActionAllow
			return base
		}
		base.Decision = ActionBlock
		base.ReasonCode = rule.ReasonCode
		if base.ReasonCode == "" {
			base.ReasonCode = core.ReasonPolicyBlocked
		}
		return base
	}

	base.Decision = ActionBlock
	base.ReasonCode = core.ReasonPolicyBlocked
	return base
}

func (p *Predicate) matches(order core.Order, ctx ExposureContext) bool {
	symbol := strings.ToUpper(order.Symbol)

	if len(p.SymbolIn) > 0 && !containsFold(p.SymbolIn, symbol) {
		return false
	}
	if len(p.SymbolNotIn) > 0 && containsFold(p.SymbolNotIn, symbol) {
		return false
	}
	if p.SideIs != "" && !strings.EqualFold(p.SideIs, string(order.Side)) {
		return false
	}
	if p.QtyAbove != nil && order.Qty <= *p.QtyAbove {
		return false
	}
	if p.PriceAbove != nil {
		if order.Price == nil || *order.Price <= *p.PriceAbove {
			return false
		}
	}
	notional, hasNotional := order.Notional()
	if p.NotionalAbove != nil {
		if !hasNotional || notional <= *p.NotionalAbove {
			return false
		}
	}
	if p.ProjectedGrossAbove != nil {
		projected := ctx.CurrentGross + ctx.Pending
		if hasNotional {
			projected += notional
		}
		if projected <= *p.ProjectedGrossAbove {
			return false
		}
	}
	if p.PendingAbove != nil && ctx.Pending <= *p.PendingAbove {
		return false
	}
	if p.MarketOrder != nil && (order.Price == nil) != *p.MarketOrder {
		return false
	}
	return true
}

func containsFold(set []string, needle string) bool {
	for _, s := range set {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// DefaultBundleContent is the bundle installed when no POLICY_BUNDLE_PATH is
// configured: block market orders above a qty ceiling, otherwise allow.
const DefaultBundleContent = `version: "default-1"
rules:
  - id: block-oversize-market
    description: market orders without a price are capped at 10k shares
    when:
      market_order: true
      qty_above: 10000
    action: BLOCK
    reason_code: POLICY_BLOCKED
  - id: allow-default
    description: default allow
    when: {}
    action: ALLOW
`
