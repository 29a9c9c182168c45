package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/idempotency"
	"github.com/tradegate/backend/internal/shadowledger"
)

type staticDigests map[string]string

func (d staticDigests) OrderDigest(traceID string) (string, bool) {
	v, ok := d[traceID]
	return v, ok
}

func ptr(f float64) *float64 { return &f }

func testEnvelope(eventID, trace string, status Status, payload map[string]interface{}) *Envelope {
	raw, _ := json.Marshal(payload)
	return &Envelope{
		EventID:      eventID,
		EventType:    "lp.order." + string(status),
		EventVersion: 1,
		Source:       Source{Kind: "SIM", Name: "sim-a"},
		OccurredAt:   time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Correlation:  Correlation{TraceID: trace},
		Normalization: Normalization{
			Status: status,
		},
		Payload: raw,
	}
}

func newTestIngestor(digests DigestLookup) (*Ingestor, *Store, *shadowledger.Ledger, *audit.Log) {
	store := NewStore()
	ledger := shadowledger.New(nil)
	ledger.SetLimits("c1", core.ClientLimits{MaxGross: 1e9, MaxNet: 1e9, MaxSingleOrder: 1e9})
	auditor := audit.NewLog(audit.NewMemoryStore())
	ing := NewIngestor(store, idempotency.NewMemoryStore(), auditor, ledger, digests)
	return ing, store, ledger, auditor
}

func TestParseEnvelopeSchemaValidation(t *testing.T) {
	valid := `{
		"event_id": "e1", "event_type": "lp.order.accepted", "event_version": 1,
		"source": {"kind": "MT5", "name": "mt5-main"},
		"occurred_at": "2026-08-24T10:00:00Z",
		"correlation": {"trace_id": "t1"},
		"payload": {"lp_order_id": "L1"},
		"normalization": {"status": "ACCEPTED"}
	}`
	env, err := ParseEnvelope([]byte(valid))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, env.Normalization.Status)

	cases := map[string]string{
		"not json":        `{`,
		"missing trace":   `{"event_id":"e","event_type":"t","event_version":1,"source":{"kind":"SIM","name":"n"},"occurred_at":"2026-08-24T10:00:00Z","correlation":{},"payload":{},"normalization":{"status":"ACCEPTED"}}`,
		"bad status":      `{"event_id":"e","event_type":"t","event_version":1,"source":{"kind":"SIM","name":"n"},"occurred_at":"2026-08-24T10:00:00Z","correlation":{"trace_id":"t"},"payload":{},"normalization":{"status":"WAT"}}`,
		"bad source kind": `{"event_id":"e","event_type":"t","event_version":1,"source":{"kind":"FTP","name":"n"},"occurred_at":"2026-08-24T10:00:00Z","correlation":{"trace_id":"t"},"payload":{},"normalization":{"status":"ACCEPTED"}}`,
	}
	for name, raw := range cases {
		_, err := ParseEnvelope([]byte(raw))
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, name)
	}
}

func TestPayloadHashStableAcrossIngestion(t *testing.T) {
	env := testEnvelope("e1", "t1", StatusAccepted, map[string]interface{}{"k": "v"})
	h1, err := env.PayloadHash()
	require.NoError(t, err)
	assert.Contains(t, h1, "sha256:")
	assert.Len(t, h1, len("sha256:")+64)

	// Stamping ingested_at must not change the hash.
	env.IngestedAt = time.Now().UTC()
	h2, err := env.PayloadHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestTransitionMatrix(t *testing.T) {
	assert.True(t, ValidTransition("", StatusSubmitted))
	assert.True(t, ValidTransition(StatusSubmitted, StatusAccepted))
	assert.True(t, ValidTransition(StatusAccepted, StatusPartiallyFilled))
	assert.True(t, ValidTransition(StatusPartiallyFilled, StatusPartiallyFilled))
	assert.True(t, ValidTransition(StatusPartiallyFilled, StatusFilled))
	assert.True(t, ValidTransition(StatusUnknown, StatusFilled))
	assert.True(t, ValidTransition(StatusAccepted, StatusUnknown))

	assert.False(t, ValidTransition(StatusFilled, StatusAccepted), "terminal")
	assert.False(t, ValidTransition(StatusRejected, StatusFilled), "terminal")
	assert.False(t, ValidTransition(StatusSubmitted, StatusFilled), "skips ACCEPTED")
	assert.False(t, ValidTransition(StatusFilled, StatusUnknown), "terminal even to UNKNOWN")
}

func TestIngestFillSettlesLedger(t *testing.T) {
	ing, store, ledger, _ := newTestIngestor(nil)
	ctx := context.Background()

	_, err := ledger.Reserve("t1", "c1", "AAPL", core.SideBuy, 100, ptr(150), 15000, "", "", "")
	require.NoError(t, err)

	env := testEnvelope("e1", "t1", StatusFilled, map[string]interface{}{
		"client_id": "c1", "symbol": "AAPL", "side": "BUY", "qty": 100, "fill_price": 150.0, "exec_id": "X1",
	})
	res, err := ing.Ingest(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "e1", res.EventID)
	assert.NotEmpty(t, res.Hash)
	assert.False(t, res.HasViolations)

	gross, _, pending := ledger.Totals("c1")
	assert.Equal(t, 15000.0, gross)
	assert.Zero(t, pending)

	events := store.Timeline("t1")
	require.Len(t, events, 1)
	assert.Equal(t, IntegrityValid, events[0].IntegrityStatus)
}

func TestIngestDuplicateReturnsPriorResult(t *testing.T) {
	ing, store, ledger, _ := newTestIngestor(nil)
	ctx := context.Background()

	_, err := ledger.Reserve("t1", "c1", "AAPL", core.SideBuy, 10, ptr(100), 1000, "", "", "")
	require.NoError(t, err)

	payload := map[string]interface{}{
		"client_id": "c1", "symbol": "AAPL", "side": "BUY", "qty": 10, "fill_price": 100.0, "exec_id": "X1",
	}
	first, err := ing.Ingest(ctx, testEnvelope("e1", "t1", StatusFilled, payload))
	require.NoError(t, err)

	// Exact replay: answered from the store, ledger untouched.
	second, err := ing.Ingest(ctx, testEnvelope("e1", "t1", StatusFilled, payload))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Len(t, store.Timeline("t1"), 1)

	gross, _, _ := ledger.Totals("c1")
	assert.Equal(t, 1000.0, gross, "side effect applied exactly once")
}

func TestIngestPayloadMismatch(t *testing.T) {
	ing, _, ledger, _ := newTestIngestor(nil)
	ctx := context.Background()

	_, err := ledger.Reserve("t1", "c1", "AAPL", core.SideBuy, 10, ptr(100), 1000, "", "", "")
	require.NoError(t, err)

	payload := map[string]interface{}{
		"client_id": "c1", "symbol": "AAPL", "side": "BUY", "qty": 10, "fill_price": 100.0, "exec_id": "X1",
	}
	_, err = ing.Ingest(ctx, testEnvelope("e1", "t1", StatusFilled, payload))
	require.NoError(t, err)

	// Same exec_id, altered fill price.
	payload["fill_price"] = 101.0
	_, err = ing.Ingest(ctx, testEnvelope("e1", "t1", StatusFilled, payload))
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestInvalidTransitionFlaggedNotDropped(t *testing.T) {
	ing, store, _, auditor := newTestIngestor(nil)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, testEnvelope("e1", "t1", StatusFilled, map[string]interface{}{"exec_id": "X1"}))
	require.NoError(t, err)

	// FILLED is terminal; a late ACCEPTED is a violation but still lands.
	res, err := ing.Ingest(ctx, testEnvelope("e2", "t1", StatusAccepted, map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, res.HasViolations)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "invalid transition")

	assert.Len(t, store.Timeline("t1"), 2)

	// The violation is visible in the audit chain, not just the read model.
	events, err := auditor.Read(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestOrderDigestMismatchFlagsTamper(t *testing.T) {
	ing, store, _, _ := newTestIngestor(staticDigests{"t1": "expected-digest"})
	ctx := context.Background()

	env := testEnvelope("e1", "t1", StatusAccepted, map[string]interface{}{})
	env.Correlation.OrderDigest = "different-digest"
	res, err := ing.Ingest(ctx, env)
	require.NoError(t, err)
	assert.True(t, res.HasViolations)

	events := store.Timeline("t1")
	require.Len(t, events, 1)
	assert.Equal(t, IntegrityTamperSuspect, events[0].IntegrityStatus)
}

func TestLateFillAfterExpiryRejected(t *testing.T) {
	ing, _, ledger, _ := newTestIngestor(nil)
	ctx := context.Background()

	_, err := ledger.Reserve("t1", "c1", "AAPL", core.SideBuy, 10, ptr(100), 1000, "", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, ledger.ExpireStaleHolds(0))

	env := testEnvelope("e1", "t1", StatusFilled, map[string]interface{}{
		"client_id": "c1", "symbol": "AAPL", "side": "BUY", "qty": 10, "fill_price": 100.0, "exec_id": "X1",
	})
	_, err = ing.Ingest(ctx, env)
	assert.ErrorIs(t, err, shadowledger.ErrStateConflict)

	// The failure is recorded against the key, so an exact replay gets the
	// recorded failure back instead of re-running the apply.
	_, err = ing.Ingest(ctx, env)
	assert.ErrorIs(t, err, ErrPriorFailure)
	assert.Contains(t, err.Error(), "state conflict")
}

func TestIdempotencyKeyDerivation(t *testing.T) {
	exec := testEnvelope("e1", "t1", StatusFilled, map[string]interface{}{"exec_id": "X9"})
	exec.EventType = "platform.execution"
	assert.Equal(t, "exec:X9", IdempotencyKey(exec))

	closeEnv := testEnvelope("e2", "t1", StatusFilled, map[string]interface{}{"close_id": "C44"})
	closeEnv.EventType = "platform.close"
	assert.Equal(t, "close:C44", IdempotencyKey(closeEnv))

	closeNoID := testEnvelope("e2b", "t1", StatusFilled, map[string]interface{}{})
	closeNoID.EventType = "platform.close"
	assert.Equal(t, "close:e2b", IdempotencyKey(closeNoID))

	recon := testEnvelope("e4", "t1", StatusFilled, map[string]interface{}{
		"trade_date": "2026-08-24", "symbol": "AAPL", "account_id": "ACC-7",
	})
	recon.EventType = "platform.reconciliation"
	assert.Equal(t, "recon:2026-08-24:AAPL:ACC-7", IdempotencyKey(recon))

	lp := testEnvelope("e3", "t1", StatusAccepted, map[string]interface{}{})
	assert.Equal(t, "g1:e3", IdempotencyKey(lp))
}

func TestRejectionNormalization(t *testing.T) {
	// Exact provider code: HIGH confidence.
	r := NormalizeRejection("MT5", "10019", "No money", map[string]string{"retcode": "10019"})
	assert.Equal(t, ClassMargin, r.ReasonClass)
	assert.Equal(t, "INSUFFICIENT_FUNDS", r.ReasonCode)
	assert.Equal(t, ConfidenceHigh, r.Confidence)
	assert.Equal(t, "10019", r.Raw.ProviderCode)
	assert.Equal(t, TaxonomyVersion, r.TaxonomyVersion)

	// Unmapped code, message regex: MEDIUM.
	r = NormalizeRejection("LP", "E-7731", "Rejected: margin requirement not met", nil)
	assert.Equal(t, ClassMargin, r.ReasonClass)
	assert.Equal(t, ConfidenceMedium, r.Confidence)

	// Nothing matches: UNKNOWN at LOW, raw preserved.
	r = NormalizeRejection("LP", "E-0000", "qzx", nil)
	assert.Equal(t, ClassUnknown, r.ReasonClass)
	assert.Equal(t, "UNKNOWN_REJECT", r.ReasonCode)
	assert.Equal(t, ConfidenceLow, r.Confidence)
	assert.Equal(t, "E-0000", r.Raw.ProviderCode)
}

func TestIngestClassifiesUnclassifiedRejection(t *testing.T) {
	ing, store, _, _ := newTestIngestor(nil)
	ctx := context.Background()

	// The adapter forwarded the raw provider fields without a reason.
	env := testEnvelope("e1", "t1", StatusRejected, map[string]interface{}{
		"provider_code": "10019", "provider_message": "No money",
	})
	env.Source.Kind = "MT5"
	require.Nil(t, env.Normalization.Reason)

	_, err := ing.Ingest(ctx, env)
	require.NoError(t, err)

	events := store.Timeline("t1")
	require.Len(t, events, 1)
	reason := events[0].Envelope.Normalization.Reason
	require.NotNil(t, reason)
	assert.Equal(t, ClassMargin, reason.ReasonClass)
	assert.Equal(t, "INSUFFICIENT_FUNDS", reason.ReasonCode)
	assert.Equal(t, ConfidenceHigh, reason.Confidence)
	assert.Equal(t, TaxonomyVersion, reason.TaxonomyVersion)
	assert.Equal(t, "10019", reason.Raw.ProviderCode)
	assert.Equal(t, "No money", reason.Raw.ProviderMessage)

	counts := store.RejectionCounts()
	assert.Equal(t, 1, counts[ClassMargin])
}

func TestIngestKeepsAdapterSuppliedReason(t *testing.T) {
	ing, store, _, _ := newTestIngestor(nil)
	ctx := context.Background()

	env := testEnvelope("e1", "t1", StatusRejected, map[string]interface{}{
		"provider_code": "10019",
	})
	env.Source.Kind = "MT5"
	rej := NormalizeRejection("MT5", "10015", "Invalid price", nil)
	env.Normalization.Reason = &rej

	_, err := ing.Ingest(ctx, env)
	require.NoError(t, err)

	events := store.Timeline("t1")
	require.Len(t, events, 1)
	reason := events[0].Envelope.Normalization.Reason
	require.NotNil(t, reason)
	assert.Equal(t, "INVALID_PRICE", reason.ReasonCode, "adapter classification wins")
}

func TestIngestClassifiesByMessageWhenCodeUnmapped(t *testing.T) {
	ing, store, _, _ := newTestIngestor(nil)
	ctx := context.Background()

	env := testEnvelope("e1", "t1", StatusRejected, map[string]interface{}{
		"provider_code": "E-7731", "provider_message": "margin requirement not met",
	})
	env.Source.Kind = "LP"

	_, err := ing.Ingest(ctx, env)
	require.NoError(t, err)

	events := store.Timeline("t1")
	require.Len(t, events, 1)
	reason := events[0].Envelope.Normalization.Reason
	require.NotNil(t, reason)
	assert.Equal(t, ClassMargin, reason.ReasonClass)
	assert.Equal(t, ConfidenceMedium, reason.Confidence)
}

func TestRejectionCountsReadModel(t *testing.T) {
	ing, store, _, _ := newTestIngestor(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env := testEnvelope(fmt.Sprintf("e%d", i), fmt.Sprintf("t%d", i), StatusRejected, map[string]interface{}{})
		rej := NormalizeRejection("MT5", "10019", "no money", nil)
		env.Normalization.Reason = &rej
		_, err := ing.Ingest(ctx, env)
		require.NoError(t, err)
	}

	counts := store.RejectionCounts()
	assert.Equal(t, 3, counts[ClassMargin])
}
