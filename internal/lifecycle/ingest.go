package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/idempotency"
	"github.com/tradegate/backend/internal/shadowledger"
)

// ErrPayloadMismatch is returned when a duplicate idempotency key arrives
// with a different payload hash.
var ErrPayloadMismatch = errors.New("lifecycle: duplicate key with different payload")

// ErrInFlight is returned when another request holds the reservation.
var ErrInFlight = errors.New("lifecycle: event already being processed")

// ErrPriorFailure is returned when a replayed key's first attempt ended in a
// recorded failure; the replay gets that outcome, never a re-application.
var ErrPriorFailure = errors.New("lifecycle: prior attempt for this event failed")

var (
	ingestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_lifecycle_ingested_total",
		Help: "Lifecycle envelopes ingested, by normalized status.",
	}, []string{"status"})
	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_lifecycle_duplicates_total",
		Help: "Duplicate envelope submissions answered from the idempotency store.",
	})
	payloadMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_lifecycle_payload_mismatch_total",
		Help: "Duplicate idempotency keys whose payload hash differed.",
	})
	violationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_lifecycle_transition_violations_total",
		Help: "Envelopes ingested with an invalid status transition.",
	})
)

// DigestLookup resolves the order digest bound to a trace's decision token.
type DigestLookup interface {
	OrderDigest(traceID string) (string, bool)
}

// Result is the ingest outcome returned to the adapter.
type Result struct {
	EventID       string   `json:"event_id"`
	Hash          string   `json:"hash"`
	PrevHash      string   `json:"prev_hash,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	HasViolations bool     `json:"has_violations"`
	Duplicate     bool     `json:"duplicate,omitempty"`
}

// Ingestor validates, deduplicates, and applies lifecycle envelopes.
type Ingestor struct {
	store   *Store
	idem    idempotency.Store
	auditor *audit.Log
	ledger  *shadowledger.Ledger
	digests DigestLookup
	logger  *log.Logger
}

// NewIngestor wires the ingress path. digests may be nil when no token
// registry is available (digest checks are then skipped).
func NewIngestor(store *Store, idem idempotency.Store, auditor *audit.Log, ledger *shadowledger.Ledger, digests DigestLookup) *Ingestor {
	return &Ingestor{
		store:   store,
		idem:    idem,
		auditor: auditor,
		ledger:  ledger,
		digests: digests,
		logger:  log.New(log.Writer(), "[LifecycleIngress] ", log.LstdFlags),
	}
}

// IdempotencyKey derives the dedupe key for an envelope from its event type
// family. Executions key on the provider's exec_id, closes on close_id, and
// reconciliation rows on (trade_date, symbol, account_id); when the payload
// lacks the natural key, the event ID stands in.
func IdempotencyKey(env *Envelope) string {
	var fields struct {
		ExecID    string `json:"exec_id"`
		CloseID   string `json:"close_id"`
		TradeDate string `json:"trade_date"`
		Symbol    string `json:"symbol"`
		AccountID string `json:"account_id"`
	}
	_ = json.Unmarshal(env.Payload, &fields)

	switch {
	case strings.Contains(env.EventType, "execution"):
		if fields.ExecID != "" {
			return "exec:" + fields.ExecID
		}
	case strings.Contains(env.EventType, "close"):
		if fields.CloseID != "" {
			return "close:" + fields.CloseID
		}
		return "close:" + env.EventID
	case strings.Contains(env.EventType, "reconciliation"):
		if fields.TradeDate != "" && fields.Symbol != "" && fields.AccountID != "" {
			return fmt.Sprintf("recon:%s:%s:%s", fields.TradeDate, fields.Symbol, fields.AccountID)
		}
		return "recon:" + env.EventID
	}
	return "g1:" + env.EventID
}

// Ingest processes one envelope end to end: schema validation happened in
// ParseEnvelope; here we hash, deduplicate, validate the transition, verify
// the order digest, apply ledger effects, and append to the audit chain.
// Exactly one of those applications happens per idempotency key.
func (in *Ingestor) Ingest(ctx context.Context, env *Envelope) (Result, error) {
	env.IngestedAt = time.Now().UTC()

	// Rejections the adapter did not classify get normalized here, before
	// hashing, so the hash covers the stamped reason. Classification is
	// deterministic: a replayed envelope re-derives the same reason and the
	// same hash.
	if env.Normalization.Status == StatusRejected && env.Normalization.Reason == nil {
		env.Normalization.Reason = classifyRejection(env)
	}

	hash, err := env.PayloadHash()
	if err != nil {
		return Result{}, fmt.Errorf("lifecycle: hash envelope: %w", err)
	}
	env.Integrity.PayloadHash = hash
	if env.Integrity.ChainID == "" {
		env.Integrity.ChainID = env.Correlation.TraceID
	}

	key := idempotency.Key{
		TraceID:     IdempotencyKey(env),
		EventType:   env.EventType,
		PayloadHash: hash,
	}
	res, err := in.idem.CheckAndReserve(ctx, key)
	if err != nil {
		return Result{}, err
	}
	switch res.Outcome {
	case idempotency.OutcomeDuplicate:
		duplicatesTotal.Inc()
		if res.State == idempotency.ResultFailed {
			return Result{}, fmt.Errorf("%w: %s", ErrPriorFailure, failureDetail(res.Result))
		}
		var prior Result
		if err := json.Unmarshal(res.Result, &prior); err == nil {
			prior.Duplicate = true
			return prior, nil
		}
		return Result{EventID: env.EventID, Duplicate: true}, nil
	case idempotency.OutcomePayloadMismatch:
		payloadMismatchTotal.Inc()
		in.logger.Printf("payload mismatch for key %s (trace=%s)", key.TraceID, env.Correlation.TraceID)
		return Result{}, ErrPayloadMismatch
	case idempotency.OutcomeInFlight:
		return Result{}, ErrInFlight
	}

	result, err := in.apply(ctx, env)
	if err != nil {
		// Record the failure so replays of this key get the recorded
		// outcome instead of re-applying.
		failure, _ := json.Marshal(map[string]string{"error": err.Error()})
		if cErr := in.idem.Complete(ctx, key, idempotency.ResultFailed, failure); cErr != nil {
			in.logger.Printf("record failure for key %s: %v", key.TraceID, cErr)
		}
		return Result{}, err
	}

	stored, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		if err := in.idem.Complete(ctx, key, idempotency.ResultSuccess, stored); err != nil {
			in.logger.Printf("complete key %s failed: %v", key.TraceID, err)
		}
	}
	return result, nil
}

// failureDetail extracts the stored error message from a FAILED record.
func failureDetail(raw json.RawMessage) string {
	var stored struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &stored); err == nil && stored.Error != "" {
		return stored.Error
	}
	return "unknown failure"
}

func (in *Ingestor) apply(ctx context.Context, env *Envelope) (Result, error) {
	trace := env.Correlation.TraceID
	status := env.Normalization.Status
	var warnings []string
	hasViolations := false
	integrityStatus := IntegrityValid

	// Transition validation. Violations are ingested and flagged, never
	// dropped: the audit trail records what actually happened.
	prev, _ := in.store.CurrentStatus(trace)
	if !ValidTransition(prev, status) {
		warnings = append(warnings, fmt.Sprintf("invalid transition %s -> %s", prev, status))
		hasViolations = true
		violationsTotal.Inc()
	}

	// Order digest check against the decision token the trace was
	// authorized under.
	if env.Correlation.OrderDigest != "" && in.digests != nil {
		if expected, ok := in.digests.OrderDigest(trace); ok && expected != env.Correlation.OrderDigest {
			warnings = append(warnings, fmt.Sprintf("order digest mismatch: token=%s event=%s", expected, env.Correlation.OrderDigest))
			hasViolations = true
			integrityStatus = IntegrityTamperSuspect
		}
	}

	if err := in.applyLedger(env, status, &warnings); err != nil {
		return Result{}, err
	}

	auditPayload := map[string]interface{}{
		"envelope": env,
		"validation": map[string]interface{}{
			"warnings":       warnings,
			"has_violations": hasViolations,
		},
		"integrity_status": integrityStatus,
	}
	appended, err := in.auditor.Append(ctx, trace, "lifecycle."+env.EventType, env.EventVersion, auditPayload)
	if err != nil {
		return Result{}, fmt.Errorf("lifecycle: audit append: %w", err)
	}

	if err := in.store.Append(StoredEvent{
		Envelope:        *env,
		Status:          status,
		Warnings:        warnings,
		HasViolations:   hasViolations,
		IntegrityStatus: integrityStatus,
		AuditHash:       appended.Hash,
		AuditPrevHash:   appended.PrevHash,
		ReceivedAt:      env.IngestedAt,
	}); err != nil {
		in.logger.Printf("trace=%s: persist lifecycle event: %v", trace, err)
	}

	ingestedTotal.WithLabelValues(string(status)).Inc()
	return Result{
		EventID:       env.EventID,
		Hash:          appended.Hash,
		PrevHash:      appended.PrevHash,
		Warnings:      warnings,
		HasViolations: hasViolations,
	}, nil
}

// applyLedger settles fills and releases holds. A fill against an expired
// hold is a hard conflict; cancel and expiry races are tolerated as
// warnings since the sweeper may have won legitimately.
func (in *Ingestor) applyLedger(env *Envelope, status Status, warnings *[]string) error {
	if in.ledger == nil {
		return nil
	}
	detail, err := env.executionDetail()
	if err != nil {
		*warnings = append(*warnings, "payload not decodable as execution detail; ledger not updated")
		return nil
	}
	trace := env.Correlation.TraceID

	switch status {
	case StatusFilled, StatusPartiallyFilled:
		if detail.ClientID == "" || detail.Symbol == "" || detail.Qty <= 0 || detail.FillPrice == nil {
			*warnings = append(*warnings, "fill missing client/symbol/qty/price; ledger not updated")
			return nil
		}
		err := in.ledger.SettleFill(trace, detail.ClientID, strings.ToUpper(detail.Symbol),
			core.Side(strings.ToUpper(detail.Side)), detail.Qty, *detail.FillPrice)
		switch {
		case errors.Is(err, shadowledger.ErrStateConflict):
			return err
		case errors.Is(err, shadowledger.ErrUnknownHold):
			*warnings = append(*warnings, "fill for unknown hold; ledger not updated")
		case err != nil:
			return err
		}
	case StatusCanceled, StatusExpired:
		if detail.ClientID == "" || detail.Symbol == "" {
			return nil
		}
		notional := 0.0
		if detail.Notional != nil {
			notional = *detail.Notional
		}
		err := in.ledger.Cancel(trace, detail.ClientID, strings.ToUpper(detail.Symbol), notional)
		switch {
		case errors.Is(err, shadowledger.ErrStateConflict), errors.Is(err, shadowledger.ErrUnknownHold):
			*warnings = append(*warnings, fmt.Sprintf("%s observed an already-resolved hold", status))
		case err != nil:
			return err
		}
	}
	return nil
}

// CleanupLoop reaps expired idempotency records until ctx is cancelled.
func (in *Ingestor) CleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := in.idem.Cleanup(ctx, retention); err != nil {
				in.logger.Printf("idempotency cleanup failed: %v", err)
			} else if n > 0 {
				in.logger.Printf("idempotency cleanup removed %d record(s)", n)
			}
		}
	}
}
