// Package reconstruct rebuilds what happened for a trace from the audit
// chain: human-readable trace bundles, compliance evidence packs, and LP
// lifecycle timelines. Reconstruction is strictly fail-closed: a broken
// chain yields an error, never a best-effort bundle.
package reconstruct

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/canonical"
	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/economics"
	"github.com/tradegate/backend/internal/lifecycle"
	"github.com/tradegate/backend/internal/override"
	"github.com/tradegate/backend/internal/token"
)

// ReasonPolicyInconsistent marks an evidence pack whose embedded policy
// content does not hash to the token's snapshot hash.
const ReasonPolicyInconsistent = "POLICY_INCONSISTENT"

// packComponentOrder is the fixed hashing order for evidence packs. It is a
// wire contract; changing it invalidates every previously issued pack hash.
var packComponentOrder = []string{"policy_snapshot", "decision", "audit_chain", "economics", "operator_identity"}

// ChainBrokenError is the fail-closed result for a tampered or truncated
// audit chain.
type ChainBrokenError struct {
	TraceID  string
	BrokenAt int
	Reason   string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("reconstruct: audit chain for %s broken at %d: %s", e.TraceID, e.BrokenAt, e.Reason)
}

// NotFoundError is returned for traces with no audit events.
type NotFoundError struct {
	TraceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("reconstruct: no events for trace %s", e.TraceID)
}

// PolicyArchive resolves on-token snapshot hashes to bundle content.
type PolicyArchive interface {
	ContentByTokenHash(tokenHash string) (string, bool)
}

// ManifestSigner countersigns pack hashes. The gateway passes the decision
// token issuer so packs are bound to the same key material as decisions.
type ManifestSigner interface {
	SignDigest(digest string) (string, error)
}

// decisionRecord is the shape of authorize.authorized/blocked payloads.
type decisionRecord struct {
	Status     core.Decision       `json:"status"`
	ReasonCode string              `json:"reason_code"`
	RuleIDs    []string            `json:"rule_ids"`
	Token      *token.Token        `json:"token"`
	Economics  *economics.Snapshot `json:"economics"`
	GateNote   string              `json:"gate_note"`
}

// Summary condenses a trace for reviewers.
type Summary struct {
	Outcome            string              `json:"outcome"`
	Decision           core.Decision       `json:"decision,omitempty"`
	ReasonCode         string              `json:"reason_code,omitempty"`
	RuleIDs            []string            `json:"rule_ids,omitempty"`
	PolicySnapshotHash string              `json:"policy_snapshot_hash,omitempty"`
	Order              *core.Order         `json:"order,omitempty"`
	Economics          *economics.Snapshot `json:"economics,omitempty"`
	Overrides          []override.Record   `json:"overrides,omitempty"`
	EventCount         int                 `json:"event_count"`
}

// Bundle is the trace-bundle response.
type Bundle struct {
	TraceID           string        `json:"trace_id"`
	Events            []audit.Event `json:"events"`
	Summary           Summary       `json:"summary"`
	IntegrityVerified bool          `json:"integrityVerified"`
}

// Manifest binds an evidence pack's components by hash.
type Manifest struct {
	Version         string            `json:"version"`
	TraceID         string            `json:"trace_id"`
	GeneratedAt     time.Time         `json:"generated_at"`
	Generator       string            `json:"generator"`
	ComponentHashes map[string]string `json:"component_hashes"`
	PackHash        string            `json:"pack_hash"`
	Signature       string            `json:"signature,omitempty"`
}

// PolicySnapshot is the pack component proving which policy decided.
type PolicySnapshot struct {
	PolicyContent string `json:"policyContent"`
	SnapshotHash  string `json:"snapshot_hash"` // full 64-hex digest of content
	TokenHash     string `json:"token_hash"`    // 16-hex on-token form
}

// Pack is the evidence-pack response. An inconsistent pack is still
// returned so investigators can see both sides, but Valid is false and it
// must not be used for compliance.
type Pack struct {
	Manifest   Manifest               `json:"manifest"`
	Components map[string]interface{} `json:"components"`

	Valid              bool   `json:"valid"`
	ConsistencyError   string `json:"consistency_error,omitempty"`
	ExpectedPolicyHash string `json:"expected_policy_hash,omitempty"`
	ActualPolicyHash   string `json:"actual_policy_hash,omitempty"`
}

// Timeline is the LP lifecycle view of a trace.
type Timeline struct {
	TraceID         string                  `json:"trace_id"`
	Events          []lifecycle.StoredEvent `json:"events"`
	CurrentStatus   lifecycle.Status        `json:"current_status"`
	IsTerminal      bool                    `json:"is_terminal"`
	HasViolations   bool                    `json:"has_violations"`
	IntegrityStatus string                  `json:"integrity_status"`

	FilledQty    int64    `json:"filled_qty"`
	RemainingQty int64    `json:"remaining_qty"`
	FillCount    int      `json:"fill_count"`
	AvgFillPrice *float64 `json:"avg_fill_price,omitempty"`
}

// Reconstructor reads the audit log and read models to rebuild traces.
type Reconstructor struct {
	auditor   *audit.Log
	lifecycle *lifecycle.Store
	archive   PolicyArchive
	overrides *override.Manager
	signer    ManifestSigner
	verifier  *token.Verifier
	generator string
}

// New creates a reconstructor. lifecycle, archive and overrides may be nil
// when the corresponding surface is not deployed.
func New(auditor *audit.Log, lc *lifecycle.Store, archive PolicyArchive, overrides *override.Manager) *Reconstructor {
	return &Reconstructor{
		auditor:   auditor,
		lifecycle: lc,
		archive:   archive,
		overrides: overrides,
		generator: "tradegate-gateway",
	}
}

// WithSigner attaches a manifest signer. Returns the reconstructor for
// chaining.
func (r *Reconstructor) WithSigner(s ManifestSigner) *Reconstructor {
	r.signer = s
	return r
}

// verifiedEvents reads a trace and fails closed on any chain defect.
func (r *Reconstructor) verifiedEvents(ctx context.Context, traceID string) ([]audit.Event, error) {
	events, err := r.auditor.Read(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: read trace %s: %w", traceID, err)
	}
	if len(events) == 0 {
		return nil, &NotFoundError{TraceID: traceID}
	}
	res := audit.VerifyChain(events)
	if !res.Valid {
		return nil, &ChainBrokenError{TraceID: traceID, BrokenAt: res.BrokenAt, Reason: res.Reason}
	}
	return events, nil
}

// decision extracts the trace's decision record, if one was appended.
func decision(events []audit.Event) (*decisionRecord, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].EventType {
		case "authorize.authorized", "authorize.blocked":
			var rec decisionRecord
			if err := json.Unmarshal(events[i].Payload, &rec); err != nil {
				return nil, false
			}
			return &rec, true
		}
	}
	return nil, false
}

// TraceBundle assembles the ordered events and summary for a trace.
func (r *Reconstructor) TraceBundle(ctx context.Context, traceID string) (*Bundle, error) {
	events, err := r.verifiedEvents(ctx, traceID)
	if err != nil {
		return nil, err
	}

	summary := Summary{Outcome: "UNDECIDED", EventCount: len(events)}
	if rec, ok := decision(events); ok {
		summary.Outcome = string(rec.Status)
		summary.Decision = rec.Status
		summary.ReasonCode = rec.ReasonCode
		summary.RuleIDs = rec.RuleIDs
		summary.Economics = rec.Economics
		if rec.Token != nil {
			summary.PolicySnapshotHash = rec.Token.Payload.PolicySnapshotHash
			order := rec.Token.Payload.Order
			summary.Order = &order
		}
	}
	if r.overrides != nil {
		summary.Overrides = r.overrides.ForTrace(traceID)
	}

	return &Bundle{
		TraceID:           traceID,
		Events:            events,
		Summary:           summary,
		IntegrityVerified: true,
	}, nil
}

// EvidencePack assembles and hash-binds the trace's evidence components in
// the fixed order, then cross-checks the embedded policy content against the
// token's snapshot hash.
func (r *Reconstructor) EvidencePack(ctx context.Context, traceID string) (*Pack, error) {
	events, err := r.verifiedEvents(ctx, traceID)
	if err != nil {
		return nil, err
	}

	rec, ok := decision(events)
	if !ok {
		return nil, fmt.Errorf("reconstruct: trace %s has no decision event", traceID)
	}

	tokenHash := ""
	if rec.Token != nil {
		tokenHash = rec.Token.Payload.PolicySnapshotHash
	}
	policyContent := ""
	if r.archive != nil && tokenHash != "" {
		policyContent, _ = r.archive.ContentByTokenHash(tokenHash)
	}
	snapshot := PolicySnapshot{
		PolicyContent: policyContent,
		SnapshotHash:  canonical.SHA256Hex([]byte(policyContent)),
		TokenHash:     tokenHash,
	}

	var operatorIdentity interface{}
	if r.overrides != nil {
		if recs := r.overrides.ForTrace(traceID); len(recs) > 0 {
			operatorIdentity = recs
		}
	}

	components := map[string]interface{}{
		"policy_snapshot":   snapshot,
		"decision":          rec,
		"audit_chain":       events,
		"economics":         rec.Economics,
		"operator_identity": operatorIdentity,
	}

	hashes := make(map[string]string, len(components))
	ordered := make([]string, 0, len(packComponentOrder))
	for _, name := range packComponentOrder {
		data, err := canonical.MarshalJSON(components[name])
		if err != nil {
			return nil, fmt.Errorf("reconstruct: hash component %s: %w", name, err)
		}
		h := canonical.SHA256Hex(data)
		hashes[name] = h
		ordered = append(ordered, h)
	}
	packHash := canonical.SHA256Hex([]byte(strings.Join(ordered, ":")))

	pack := &Pack{
		Manifest: Manifest{
			Version:         "1",
			TraceID:         traceID,
			GeneratedAt:     time.Now().UTC(),
			Generator:       r.generator,
			ComponentHashes: hashes,
			PackHash:        packHash,
		},
		Components: components,
		Valid:      true,
	}
	if r.signer != nil {
		// An unsigned pack is still usable; signing fails only when the
		// keyring is empty, which the manifest's blank signature records.
		if sig, err := r.signer.SignDigest(packHash); err == nil {
			pack.Manifest.Signature = sig
		}
	}

	// Consistency: the on-token hash must be the prefix of the content's
	// full digest.
	actual := snapshot.SnapshotHash
	if len(actual) > len(tokenHash) {
		actual = actual[:len(tokenHash)]
	}
	if tokenHash == "" || actual != tokenHash {
		pack.Valid = false
		pack.ConsistencyError = ReasonPolicyInconsistent
		pack.ExpectedPolicyHash = tokenHash
		pack.ActualPolicyHash = snapshot.SnapshotHash
	}
	return pack, nil
}

// integrityRank orders integrity statuses worst-first for aggregation.
func integrityRank(status string) int {
	switch status {
	case lifecycle.IntegrityTamperSuspect:
		return 2
	case lifecycle.IntegrityInvalid:
		return 1
	default:
		return 0
	}
}

// LPTimeline builds the chronological lifecycle view with fill aggregation.
func (r *Reconstructor) LPTimeline(ctx context.Context, traceID string) (*Timeline, error) {
	if r.lifecycle == nil {
		return nil, fmt.Errorf("reconstruct: lifecycle store not configured")
	}
	events := r.lifecycle.Timeline(traceID)
	if len(events) == 0 {
		return nil, &NotFoundError{TraceID: traceID}
	}

	tl := &Timeline{
		TraceID:         traceID,
		Events:          events,
		IntegrityStatus: lifecycle.IntegrityValid,
	}

	var fillNotional float64
	worst := 0
	for _, ev := range events {
		if ev.HasViolations {
			tl.HasViolations = true
		}
		if rank := integrityRank(ev.IntegrityStatus); rank > worst {
			worst = rank
			tl.IntegrityStatus = ev.IntegrityStatus
		}
		switch ev.Status {
		case lifecycle.StatusFilled, lifecycle.StatusPartiallyFilled:
			var detail lifecycle.ExecutionDetail
			if err := json.Unmarshal(ev.Envelope.Payload, &detail); err == nil && detail.Qty > 0 && detail.FillPrice != nil {
				tl.FilledQty += detail.Qty
				tl.FillCount++
				fillNotional += float64(detail.Qty) * *detail.FillPrice
			}
		}
	}

	last := events[len(events)-1]
	tl.CurrentStatus = last.Status
	tl.IsTerminal = last.Status.IsTerminal()

	if tl.FilledQty > 0 {
		avg := fillNotional / float64(tl.FilledQty)
		tl.AvgFillPrice = &avg
	}

	// Remaining quantity needs the authorized order size from the decision
	// token; without one the timeline reports fills only.
	if auditEvents, err := r.auditor.Read(ctx, traceID); err == nil {
		if rec, ok := decision(auditEvents); ok && rec.Token != nil {
			remaining := rec.Token.Payload.Order.Qty - tl.FilledQty
			if remaining < 0 {
				remaining = 0
			}
			tl.RemainingQty = remaining
		}
	}
	return tl, nil
}
