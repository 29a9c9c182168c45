package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/token"
)

// ReplayReport is the outcome of re-verifying a historical decision from
// its audit trail alone.
type ReplayReport struct {
	TraceID    string            `json:"trace_id"`
	Valid      bool              `json:"valid"`
	ReasonCode string            `json:"reason_code,omitempty"`
	Checks     map[string]string `json:"checks"`
	EventCount int               `json:"event_count"`
}

const checkOK = "ok"

// WithTokenVerifier attaches a decision-token verifier for replay checks.
// Returns the reconstructor for chaining.
func (r *Reconstructor) WithTokenVerifier(v *token.Verifier) *Reconstructor {
	r.verifier = v
	return r
}

func (rep *ReplayReport) fail(check, detail string) {
	rep.Checks[check] = detail
	rep.Valid = false
	rep.ReasonCode = core.ReasonReplayFailure
}

// ReplayVerify re-derives everything derivable about a trace's decision and
// compares it to what was recorded: the hash chain, the token signature,
// the order digest, and the snapshot arithmetic. Any mismatch fails the
// replay; unlike the bundle endpoints, a broken chain is reported inside
// the result rather than as an error, because the broken chain is the
// finding.
func (r *Reconstructor) ReplayVerify(ctx context.Context, traceID string) (*ReplayReport, error) {
	rep := &ReplayReport{
		TraceID: traceID,
		Valid:   true,
		Checks:  map[string]string{},
	}

	events, err := r.verifiedEvents(ctx, traceID)
	if err != nil {
		var broken *ChainBrokenError
		if errors.As(err, &broken) {
			rep.fail("audit_chain", fmt.Sprintf("broken at %d: %s", broken.BrokenAt, broken.Reason))
			return rep, nil
		}
		return nil, err
	}
	rep.Checks["audit_chain"] = checkOK
	rep.EventCount = len(events)

	rec, ok := decision(events)
	if !ok {
		rep.fail("decision_present", "no decision event on chain")
		return rep, nil
	}
	rep.Checks["decision_present"] = checkOK

	if rec.Token == nil {
		// Fail-closed blocks carry no token; nothing further to replay.
		rep.Checks["token_signature"] = "no token issued"
		return rep, nil
	}

	// Signature check at issue time, so replay of an old decision is not
	// confused with expiry of a genuine token.
	if r.verifier != nil {
		res := r.verifier.Verify(rec.Token, rec.Token.Payload.IssuedAt.Add(time.Second))
		if !res.Valid {
			rep.fail("token_signature", res.Reason)
		} else {
			rep.Checks["token_signature"] = checkOK
		}
	}

	if recomputed := rec.Token.Payload.Order.Digest(); recomputed != rec.Token.Payload.OrderDigest {
		rep.fail("order_digest", fmt.Sprintf("token=%s recomputed=%s", rec.Token.Payload.OrderDigest, recomputed))
	} else {
		rep.Checks["order_digest"] = checkOK
	}

	if econ := rec.Economics; econ != nil && econ.Notional != nil && econ.DecisionTimePrice != nil {
		expected := float64(rec.Token.Payload.Order.Qty) * *econ.DecisionTimePrice
		if math.Abs(expected-*econ.Notional) > 1e-9 {
			rep.fail("economics", fmt.Sprintf("notional recorded=%.8f recomputed=%.8f", *econ.Notional, expected))
		} else {
			rep.Checks["economics"] = checkOK
		}
	}

	return rep, nil
}
