package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/circuitbreaker"
	"github.com/tradegate/backend/internal/config"
	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/gate"
	"github.com/tradegate/backend/internal/idempotency"
	"github.com/tradegate/backend/internal/lifecycle"
	"github.com/tradegate/backend/internal/override"
	"github.com/tradegate/backend/internal/policy"
	"github.com/tradegate/backend/internal/reconstruct"
	"github.com/tradegate/backend/internal/shadowledger"
	"github.com/tradegate/backend/internal/token"
)

const testBundle = `
version: "2026-08-01"
rules:
  - id: allow-default
    when: {}
    action: ALLOW
`

type stack struct {
	server *httptest.Server
	ledger *shadowledger.Ledger
	gate   *gate.Gate
}

func newStack(t *testing.T) *stack {
	t.Helper()

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	eval, err := policy.NewEvaluator("")
	require.NoError(t, err)
	bundle, err := policy.ParseBundle([]byte(testBundle))
	require.NoError(t, err)
	eval.Install(bundle)

	ledger := shadowledger.New(nil)
	ledger.SetLimits("client-1", core.ClientLimits{
		MaxGross:       1_000_000,
		MaxNet:         500_000,
		MaxSingleOrder: 100_000,
	})

	auditor := audit.NewLog(audit.NewMemoryStore())
	keyring := token.NewKeyring()
	require.NoError(t, keyring.Load("k1", "test-material"))
	breakers := circuitbreaker.NewManager(nil)
	digests := gate.NewDigestRegistry()
	g := gate.New(cfg, eval, ledger, auditor, token.NewIssuer(keyring), breakers, digests, nil)

	lcStore := lifecycle.NewStore()
	ing := lifecycle.NewIngestor(lcStore, idempotency.NewMemoryStore(), auditor, ledger, digests)
	overrides := override.NewManager(auditor, false)
	rec := reconstruct.New(auditor, lcStore, eval, overrides).
		WithSigner(token.NewIssuer(keyring)).
		WithTokenVerifier(token.NewVerifier(keyring))

	router := NewRouter(Deps{
		Gate:          g,
		Ingestor:      ing,
		Lifecycle:     lcStore,
		Reconstructor: rec,
		Overrides:     overrides,
		Ledger:        ledger,
		Policy:        eval,
		Breakers:      breakers,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &stack{server: srv, ledger: ledger, gate: g}
}

func (s *stack) post(t *testing.T, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (s *stack) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func authorizeBody() map[string]interface{} {
	return map[string]interface{}{
		"order": map[string]interface{}{
			"client_order_id": "ORDER-001",
			"symbol":          "AAPL",
			"side":            "BUY",
			"qty":             100,
			"price":           185.50,
		},
	}
}

func envelopeBody(eventID, trace, status string, payload map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"event_id":      eventID,
		"event_type":    "platform.execution",
		"event_version": 1,
		"source":        map[string]interface{}{"kind": "SIM", "name": "sim-a"},
		"occurred_at":   "2026-08-24T10:00:00Z",
		"correlation":   map[string]interface{}{"trace_id": trace},
		"payload":       payload,
		"normalization": map[string]interface{}{"status": status},
	}
}

func TestScenarioAuthorizedLimitOrder(t *testing.T) {
	s := newStack(t)

	resp, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AUTHORIZED", body["status"])

	tok := body["decision_token"].(map[string]interface{})
	payload := tok["payload"].(map[string]interface{})
	assert.Len(t, payload["policy_snapshot_hash"], 16)
	assert.NotEmpty(t, body["decision_signature"])

	econ := body["economics"].(map[string]interface{})
	assert.Equal(t, 18550.0, econ["notional"])

	_, _, pending := s.ledger.Totals("client-1")
	assert.Equal(t, 18550.0, pending)

	// The trace header is echoed and matches the envelope.
	assert.Equal(t, body["trace_id"], resp.Header.Get("X-Trace-Id"))
}

func TestScenarioGrossBreachBlock(t *testing.T) {
	s := newStack(t)
	s.ledger.SetLimits("client-1", core.ClientLimits{
		MaxGross:       10_000,
		MaxNet:         500_000,
		MaxSingleOrder: 100_000,
	})

	resp, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "transport status stays success")
	assert.Equal(t, "BLOCKED", body["status"])
	assert.Equal(t, "GROSS_EXPOSURE", body["reason_code"])

	econ := body["economics"].(map[string]interface{})
	assert.Equal(t, 18550.0, econ["saved_exposure"])

	_, _, pending := s.ledger.Totals("client-1")
	assert.Zero(t, pending)
}

func TestScenarioHoldExpiryThenLateFill(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	// Sweep with zero TTL simulates the token outliving its lifetime.
	expired := s.ledger.ExpireStaleHolds(0)
	assert.Equal(t, []string{trace}, expired)
	_, _, pending := s.ledger.Totals("client-1")
	assert.Zero(t, pending)

	lateFill := envelopeBody("EX-1", trace, "FILLED", map[string]interface{}{
		"client_id": "client-1", "symbol": "AAPL", "side": "BUY", "qty": 100, "fill_price": 185.60, "exec_id": "EX-1",
	})
	resp, conflict := s.post(t, "/v1/events/execution", lateFill, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "STATE_CONFLICT", conflict["error"])

	// Replaying the failed event surfaces the recorded failure.
	resp, conflict = s.post(t, "/v1/events/execution", lateFill, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "PRIOR_ATTEMPT_FAILED", conflict["error"])
}

func TestScenarioDuplicateExecution(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	fill := envelopeBody("EX-1", trace, "FILLED", map[string]interface{}{
		"client_id": "client-1", "symbol": "AAPL", "side": "BUY", "qty": 100, "fill_price": 185.60, "exec_id": "EX-1",
	})

	resp, first := s.post(t, "/v1/events/execution", fill, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, second := s.post(t, "/v1/events/execution", fill, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["hash"], second["hash"])

	// Ledger applied exactly once.
	gross, _, _ := s.ledger.Totals("client-1")
	assert.Equal(t, 18560.0, gross)
}

func TestScenarioDuplicateWithAlteredPayload(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	fill := envelopeBody("EX-1", trace, "FILLED", map[string]interface{}{
		"client_id": "client-1", "symbol": "AAPL", "side": "BUY", "qty": 100, "fill_price": 185.60, "exec_id": "EX-1",
	})
	resp, _ := s.post(t, "/v1/events/execution", fill, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	altered := envelopeBody("EX-1", trace, "FILLED", map[string]interface{}{
		"client_id": "client-1", "symbol": "AAPL", "side": "BUY", "qty": 100, "fill_price": 999.99, "exec_id": "EX-1",
	})
	resp, mismatch := s.post(t, "/v1/events/execution", altered, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, true, mismatch["payload_mismatch"])
}

func TestScenarioInvalidTransitionTimeline(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	seq := []string{"SUBMITTED", "REJECTED", "FILLED"}
	for i, status := range seq {
		payload := map[string]interface{}{"client_id": "client-1", "symbol": "AAPL", "side": "BUY"}
		if status == "FILLED" {
			payload["qty"] = 100
			payload["fill_price"] = 185.50
			payload["exec_id"] = "EX-9"
		}
		resp, _ := s.post(t, "/v1/events/lp-order", envelopeBody(fmt.Sprintf("ev-%d", i), trace, status, payload), nil)
		require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, resp.StatusCode)
	}

	resp, tl := s.get(t, "/v1/lp-timeline/"+trace)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FILLED", tl["current_status"])
	assert.Equal(t, true, tl["has_violations"])
	assert.Equal(t, true, tl["is_terminal"])
}

func TestScenarioEvidencePack(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	resp, pack := s.get(t, "/v1/trace/"+trace+"/evidence-pack")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, pack["valid"])

	manifest := pack["manifest"].(map[string]interface{})
	assert.Len(t, manifest["pack_hash"], 64)
	assert.NotEmpty(t, manifest["signature"])
	hashes := manifest["component_hashes"].(map[string]interface{})
	for _, name := range []string{"policy_snapshot", "decision", "audit_chain", "economics", "operator_identity"} {
		assert.Contains(t, hashes, name)
	}
}

func TestReplayVerifyEndpoint(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	resp, report := s.get(t, "/v1/trace/"+trace+"/replay")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, report["valid"])
	checks := report["checks"].(map[string]interface{})
	for _, name := range []string{"audit_chain", "token_signature", "order_digest", "economics"} {
		assert.Equal(t, "ok", checks[name])
	}

	resp, _ = s.get(t, "/v1/trace/unknown-trace/replay")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectionCountsEndpoint(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	env := envelopeBody("rej-1", trace, "REJECTED", map[string]interface{}{
		"client_id": "client-1", "symbol": "AAPL", "side": "BUY",
	})
	env["normalization"] = map[string]interface{}{
		"status": "REJECTED",
		"reason": map[string]interface{}{
			"reason_class":     "MARGIN",
			"reason_code":      "INSUFFICIENT_FUNDS",
			"confidence":       "HIGH",
			"taxonomy_version": "v1",
		},
	}
	resp, _ := s.post(t, "/v1/events/lp-order", env, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, counts := s.get(t, "/v1/rejections")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v1", counts["taxonomy_version"])
	byClass := counts["counts"].(map[string]interface{})
	assert.Equal(t, 1.0, byClass["MARGIN"])
}

func TestTraceBundleEndpoint(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	resp, bundle := s.get(t, "/v1/trace/"+trace)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, bundle["integrityVerified"])

	resp, _ = s.get(t, "/v1/trace/no-such-trace")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOverrideEndpoints(t *testing.T) {
	s := newStack(t)

	_, body := s.post(t, "/v1/authorize", authorizeBody(), map[string]string{"x-client-id": "client-1"})
	trace := body["trace_id"].(string)

	resp, _ := s.post(t, "/v1/override/"+trace+"/request",
		map[string]interface{}{"operator": "alice", "justification": "review"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, errBody := s.post(t, "/v1/override/"+trace+"/approve",
		map[string]interface{}{"operator": "alice"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "DUAL_CONTROL_VIOLATION", errBody["error"])

	resp, rec := s.post(t, "/v1/override/"+trace+"/approve",
		map[string]interface{}{"operator": "bob"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "APPROVED", rec["state"])
}

func TestLimitsEndpoints(t *testing.T) {
	s := newStack(t)

	limits := map[string]interface{}{
		"max_gross":        500000,
		"max_net":          250000,
		"max_single_order": 50000,
	}
	req, err := http.NewRequest(http.MethodPut, s.server.URL+"/v1/limits/client-9", bytes.NewReader(mustJSON(t, limits)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, body := s.get(t, "/v1/limits/client-9")
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	got := body["limits"].(map[string]interface{})
	assert.Equal(t, 500000.0, got["max_gross"])

	notFound, _ := s.get(t, "/v1/limits/unknown-client")
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	s := newStack(t)
	resp, body := s.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	s := newStack(t)
	resp, body := s.post(t, "/v1/events/lp-order", map[string]interface{}{"event_id": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ENVELOPE", body["error"])
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
