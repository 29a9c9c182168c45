// Package gate implements the authorization kernel: one strict pipeline per
// order from schema validation through policy, shadow-ledger reservation,
// economics, token issuance, and audit. Every dependency failure converts to
// a fail-closed BLOCKED decision; the process never crashes on a dead
// downstream.
package gate

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/circuitbreaker"
	"github.com/tradegate/backend/internal/config"
	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/economics"
	"github.com/tradegate/backend/internal/policy"
	"github.com/tradegate/backend/internal/shadowledger"
	"github.com/tradegate/backend/internal/token"
)

// Dependency names used for breakers and fail-closed accounting.
const (
	depPolicy  = "policy"
	depLedger  = "ledger"
	depSigning = "signing"
	depAudit   = "audit"
)

// Request is one authorization request after transport decoding.
type Request struct {
	Order           core.Order
	TraceID         string // adopted from x-trace-id when present
	ClientID        string
	Audience        string
	Currency        string
	ReferencePrice  *float64
	PriceAssertedBy string
	PriceAssertedAt *time.Time
}

// Envelope is the stable decision shape returned for every request. The
// transport status is always success; the domain outcome lives in Status.
type Envelope struct {
	TraceID              string              `json:"trace_id"`
	Status               core.Decision       `json:"status"`
	DecisionToken        *token.Token        `json:"decision_token,omitempty"`
	DecisionSignature    string              `json:"decision_signature,omitempty"`
	ReasonCode           string              `json:"reason_code,omitempty"`
	RuleIDs              []string            `json:"rule_ids"`
	PolicyVersion        string              `json:"policy_version,omitempty"`
	AdvisoryRoutingClass *string             `json:"advisory_routing_class"`
	Economics            *economics.Snapshot `json:"economics,omitempty"`
	TimingMS             map[string]float64  `json:"timing_ms"`
	GateNote             string              `json:"gate_note,omitempty"`
}

// Gate wires the pipeline dependencies.
type Gate struct {
	cfg      *config.Config
	policy   *policy.Evaluator
	ledger   *shadowledger.Ledger
	auditor  *audit.Log
	issuer   *token.Issuer
	breakers *circuitbreaker.Manager
	digests  *DigestRegistry
	metrics  *Metrics
	logger   *log.Logger
}

// New assembles a gate.
func New(cfg *config.Config, ev *policy.Evaluator, ledger *shadowledger.Ledger, auditor *audit.Log, issuer *token.Issuer, breakers *circuitbreaker.Manager, digests *DigestRegistry, metrics *Metrics) *Gate {
	return &Gate{
		cfg:      cfg,
		policy:   ev,
		ledger:   ledger,
		auditor:  auditor,
		issuer:   issuer,
		breakers: breakers,
		digests:  digests,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[Gate] ", log.LstdFlags),
	}
}

// Digests exposes the trace-to-digest registry for lifecycle ingress.
func (g *Gate) Digests() *DigestRegistry {
	return g.digests
}

// timer accumulates segment timings in milliseconds.
type timer struct {
	start    time.Time
	segStart time.Time
	timings  map[string]float64
	metrics  *Metrics
}

func newTimer(m *Metrics) *timer {
	now := time.Now()
	return &timer{start: now, segStart: now, timings: map[string]float64{}, metrics: m}
}

func (t *timer) segment(name string) {
	now := time.Now()
	d := now.Sub(t.segStart)
	t.timings[name] = float64(d.Microseconds()) / 1000.0
	if t.metrics != nil {
		t.metrics.SegmentDuration.WithLabelValues(name).Observe(d.Seconds())
	}
	t.segStart = now
}

func (t *timer) finish() map[string]float64 {
	total := time.Since(t.start)
	t.timings["total"] = float64(total.Microseconds()) / 1000.0
	if t.metrics != nil {
		t.metrics.SegmentDuration.WithLabelValues("total").Observe(total.Seconds())
	}
	return t.timings
}

// Authorize runs the pipeline. It always returns an envelope: domain and
// dependency failures surface as BLOCKED with a reason code, never as a
// transport error.
func (g *Gate) Authorize(ctx context.Context, req Request) *Envelope {
	tm := newTimer(g.metrics)

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	audience := req.Audience
	if audience == "" {
		audience = g.cfg.Token.Audience
	}

	env := &Envelope{
		TraceID: traceID,
		RuleIDs: []string{},
	}

	// Schema validation short-circuits before any downstream call.
	order := req.Order
	if err := order.Validate(); err != nil {
		tm.segment("parse_validate")
		env.Status = core.DecisionBlocked
		env.ReasonCode = core.ReasonInvalidOrderSchema
		env.GateNote = err.Error()
		g.appendDecisionEvent(ctx, traceID, env, nil, nil)
		tm.segment("audit_decision")
		return g.finalize(env, tm)
	}
	order.Normalize()
	tm.segment("parse_validate")

	// The requested event anchors the trace's audit chain. Without it the
	// decision would be unprovable, so its failure blocks.
	if err := g.appendAudit(ctx, traceID, "authorize.requested", map[string]interface{}{
		"order":     order,
		"client_id": req.ClientID,
		"audience":  audience,
	}); err != nil {
		tm.segment("audit_requested")
		return g.failClosed(ctx, env, depAudit, core.ReasonAuditUnavailable, tm)
	}
	tm.segment("audit_requested")

	// Policy evaluation over the live exposure view.
	gross, net, pending := g.ledger.Totals(req.ClientID)
	limits, _ := g.ledger.GetLimits(req.ClientID)
	exposureCtx := policy.ExposureContext{
		ClientID:     req.ClientID,
		CurrentGross: gross,
		CurrentNet:   net,
		Pending:      pending,
		Limits:       limits,
	}

	var policyRes policy.Result
	err := g.breakers.Get(depPolicy).Execute(func() error {
		var evalErr error
		policyRes, evalErr = g.policy.Evaluate(order, exposureCtx)
		return evalErr
	})
	tm.segment("policy_decision")
	if err != nil {
		return g.failClosed(ctx, env, depPolicy, core.ReasonGateUnavailable, tm)
	}
	env.PolicyVersion = policyRes.PolicyVersion
	if policyRes.RuleID != "" {
		env.RuleIDs = []string{policyRes.RuleID}
	}

	// Economics snapshot at decision time.
	exposurePre := gross + pending
	econ := economics.Compute(economics.Input{
		Qty:             order.Qty,
		Price:           order.Price,
		ReferencePrice:  req.ReferencePrice,
		Decision:        policyRes.Decision,
		ExposurePre:     &exposurePre,
		Currency:        req.Currency,
		PriceAssertedBy: req.PriceAssertedBy,
		PriceAssertedAt: req.PriceAssertedAt,
	})
	tm.segment("economics")
	env.Economics = &econ

	notional := 0.0
	if econ.Notional != nil {
		notional = *econ.Notional
	}

	decision := core.DecisionBlocked
	reasonCode := policyRes.ReasonCode

	if policyRes.Decision == policy.ActionAllow {
		// Reserve the hold. The ledger re-checks limits under its own
		// lock, so a race that policy could not see demotes to BLOCKED
		// here.
		var checkRes shadowledger.CheckResult
		err = g.breakers.Get(depLedger).Execute(func() error {
			var resErr error
			checkRes, resErr = g.ledger.Reserve(traceID, req.ClientID, order.Symbol, order.Side,
				order.Qty, order.Price, notional, "", policyRes.PolicyVersion, policyRes.PolicySnapshotHash)
			return resErr
		})
		if err != nil {
			tm.segment("ledger_reserve")
			return g.failClosed(ctx, env, depLedger, core.ReasonStateUnavailable, tm)
		}
		if checkRes.Allowed {
			decision = core.DecisionAuthorized
			reasonCode = ""
		} else {
			reasonCode = checkRes.BreachType
			env.GateNote = checkRes.BreachDetails
			// The snapshot was computed for an ALLOW; recompute as the
			// block it became.
			blocked := economics.Compute(economics.Input{
				Qty:             order.Qty,
				Price:           order.Price,
				ReferencePrice:  req.ReferencePrice,
				Decision:        "BLOCK",
				ExposurePre:     &exposurePre,
				Currency:        req.Currency,
				PriceAssertedBy: req.PriceAssertedBy,
				PriceAssertedAt: req.PriceAssertedAt,
			})
			env.Economics = &blocked
			econ = blocked
		}
		tm.segment("ledger_reserve")
	}

	if decision == core.DecisionBlocked {
		g.ledger.RecordBlocked(traceID, req.ClientID, order.Symbol, order.Side, order.Qty, order.Price)
	}

	env.Status = decision
	env.ReasonCode = reasonCode

	// Token issuance.
	var tok *token.Token
	err = g.breakers.Get(depSigning).Execute(func() error {
		var issueErr error
		tok, issueErr = g.issuer.Issue(token.IssueParams{
			TraceID:            traceID,
			Decision:           decision,
			ReasonCode:         reasonCode,
			RuleIDs:            env.RuleIDs,
			PolicySnapshotHash: policyRes.PolicySnapshotHash,
			Order:              order,
			Subject:            req.ClientID,
			Audience:           audience,
			ProjectedExposure:  notional,
			TTL:                g.cfg.TokenTTL(),
		})
		return issueErr
	})
	tm.segment("token_sign")
	if err != nil {
		// Undo the hold: an authorization without a token is worthless to
		// the client and must not consume exposure budget.
		if decision == core.DecisionAuthorized {
			if cancelErr := g.ledger.Cancel(traceID, req.ClientID, order.Symbol, notional); cancelErr != nil {
				g.logger.Printf("trace=%s: cancel after signing failure: %v", traceID, cancelErr)
			}
		}
		return g.failClosed(ctx, env, depSigning, core.ReasonSigningUnavailable, tm)
	}
	env.DecisionToken = tok
	env.DecisionSignature = tok.CompactSignature()
	g.digests.Register(traceID, tok.Payload.OrderDigest)

	// Decision audit event, carrying the full token payload and economics.
	if err := g.appendDecisionEvent(ctx, traceID, env, tok, &econ); err != nil {
		if decision == core.DecisionAuthorized {
			if cancelErr := g.ledger.Cancel(traceID, req.ClientID, order.Symbol, notional); cancelErr != nil {
				g.logger.Printf("trace=%s: cancel after audit failure: %v", traceID, cancelErr)
			}
		}
		tm.segment("audit_decision")
		return g.failClosed(ctx, env, depAudit, core.ReasonAuditUnavailable, tm)
	}
	tm.segment("audit_decision")

	return g.finalize(env, tm)
}

// appendAudit runs one audit append under the audit breaker and deadline.
func (g *Gate) appendAudit(ctx context.Context, traceID, eventType string, payload interface{}) error {
	return g.breakers.Get(depAudit).Execute(func() error {
		auditCtx, cancel := context.WithTimeout(ctx, g.cfg.AuditTimeout())
		defer cancel()
		_, err := g.auditor.Append(auditCtx, traceID, eventType, 1, payload)
		return err
	})
}

// appendDecisionEvent writes authorize.authorized or authorize.blocked.
func (g *Gate) appendDecisionEvent(ctx context.Context, traceID string, env *Envelope, tok *token.Token, econ *economics.Snapshot) error {
	eventType := "authorize.blocked"
	if env.Status == core.DecisionAuthorized {
		eventType = "authorize.authorized"
	}
	payload := map[string]interface{}{
		"status":      env.Status,
		"reason_code": env.ReasonCode,
		"rule_ids":    env.RuleIDs,
	}
	if tok != nil {
		payload["token"] = tok
	}
	if econ != nil {
		payload["economics"] = econ
	}
	if env.GateNote != "" {
		payload["gate_note"] = env.GateNote
	}
	return g.appendAudit(ctx, traceID, eventType, payload)
}

// failClosed converts a dependency failure into a BLOCKED envelope and tries
// to leave a decision event behind (best effort; the dependency that failed
// may be audit itself).
func (g *Gate) failClosed(ctx context.Context, env *Envelope, dependency, reasonCode string, tm *timer) *Envelope {
	env.Status = core.DecisionBlocked
	env.ReasonCode = reasonCode
	env.DecisionToken = nil
	env.DecisionSignature = ""
	if g.metrics != nil {
		g.metrics.FailClosed.WithLabelValues(dependency).Inc()
	}
	g.logger.Printf("trace=%s fail-closed dependency=%s reason=%s", env.TraceID, dependency, reasonCode)

	if dependency != depAudit {
		if err := g.appendDecisionEvent(ctx, env.TraceID, env, nil, env.Economics); err != nil {
			g.logger.Printf("trace=%s: decision event after %s failure: %v", env.TraceID, dependency, err)
		}
	}
	return g.finalize(env, tm)
}

func (g *Gate) finalize(env *Envelope, tm *timer) *Envelope {
	env.TimingMS = tm.finish()
	if g.metrics != nil {
		reason := env.ReasonCode
		if reason == "" {
			reason = "NONE"
		}
		g.metrics.Decisions.WithLabelValues(string(env.Status), reason).Inc()
	}
	return env
}
