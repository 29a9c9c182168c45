package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/circuitbreaker"
	"github.com/tradegate/backend/internal/config"
	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/policy"
	"github.com/tradegate/backend/internal/shadowledger"
	"github.com/tradegate/backend/internal/token"
)

const testBundle = `
version: "2026-08-01"
rules:
  - id: block-huge-notional
    when:
      notional_above: 100000
    action: BLOCK
    reason_code: POLICY_BLOCKED
  - id: allow-default
    when: {}
    action: ALLOW
`

func ptr(f float64) *float64 { return &f }

type failingAuditStore struct{}

func (failingAuditStore) Insert(ctx context.Context, event *audit.Event) error {
	return errors.New("store down")
}
func (failingAuditStore) Read(ctx context.Context, traceID string) ([]audit.Event, error) {
	return nil, errors.New("store down")
}
func (failingAuditStore) LastHash(ctx context.Context, traceID string) (string, bool, error) {
	return "", false, errors.New("store down")
}

type gateFixture struct {
	gate    *Gate
	ledger  *shadowledger.Ledger
	auditor *audit.Log
	keyring *token.Keyring
	eval    *policy.Evaluator
}

func newFixture(t *testing.T, auditStore audit.Store) *gateFixture {
	t.Helper()

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	bundle, err := policy.ParseBundle([]byte(testBundle))
	require.NoError(t, err)
	eval, err := policy.NewEvaluator("")
	require.NoError(t, err)
	eval.Install(bundle)

	ledger := shadowledger.New(nil)
	ledger.SetLimits("client-1", core.ClientLimits{
		MaxGross:       1_000_000,
		MaxNet:         500_000,
		MaxSingleOrder: 100_000,
	})

	if auditStore == nil {
		auditStore = audit.NewMemoryStore()
	}
	auditor := audit.NewLog(auditStore)

	keyring := token.NewKeyring()
	require.NoError(t, keyring.Load("k-test", "test-material"))

	g := New(cfg, eval, ledger, auditor, token.NewIssuer(keyring),
		circuitbreaker.NewManager(nil), NewDigestRegistry(), nil)
	return &gateFixture{gate: g, ledger: ledger, auditor: auditor, keyring: keyring, eval: eval}
}

func baseRequest() Request {
	return Request{
		Order: core.Order{
			ClientOrderID: "ORDER-001",
			Symbol:        "AAPL",
			Side:          core.SideBuy,
			Qty:           100,
			Price:         ptr(185.50),
		},
		ClientID: "client-1",
		Audience: "execution-venue",
	}
}

func TestAuthorizeLimitOrder(t *testing.T) {
	f := newFixture(t, nil)
	env := f.gate.Authorize(context.Background(), baseRequest())

	assert.Equal(t, core.DecisionAuthorized, env.Status)
	assert.Empty(t, env.ReasonCode)
	require.NotNil(t, env.DecisionToken)
	assert.NotEmpty(t, env.DecisionSignature)
	assert.Len(t, env.DecisionToken.Payload.PolicySnapshotHash, 16)
	assert.Nil(t, env.AdvisoryRoutingClass)

	require.NotNil(t, env.Economics)
	require.NotNil(t, env.Economics.Notional)
	assert.Equal(t, 18550.0, *env.Economics.Notional)

	_, _, pending := f.ledger.Totals("client-1")
	assert.Equal(t, 18550.0, pending)

	// The audit chain carries both pipeline events.
	events, err := f.auditor.Read(context.Background(), env.TraceID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "authorize.requested", events[0].EventType)
	assert.Equal(t, "authorize.authorized", events[1].EventType)

	// Timing segments are reported.
	assert.Contains(t, env.TimingMS, "parse_validate")
	assert.Contains(t, env.TimingMS, "policy_decision")
	assert.Contains(t, env.TimingMS, "economics")
	assert.Contains(t, env.TimingMS, "token_sign")
	assert.Contains(t, env.TimingMS, "total")

	// Digest registered for lifecycle verification.
	digest, ok := f.gate.Digests().OrderDigest(env.TraceID)
	require.True(t, ok)
	assert.Equal(t, env.DecisionToken.Payload.OrderDigest, digest)
}

func TestGrossBreachDemotesToBlocked(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.SetLimits("client-1", core.ClientLimits{
		MaxGross:       10_000,
		MaxNet:         500_000,
		MaxSingleOrder: 100_000,
	})

	env := f.gate.Authorize(context.Background(), baseRequest())

	assert.Equal(t, core.DecisionBlocked, env.Status)
	assert.Equal(t, core.BreachGrossExposure, env.ReasonCode)
	require.NotNil(t, env.Economics)
	require.NotNil(t, env.Economics.SavedExposure)
	assert.Equal(t, 18550.0, *env.Economics.SavedExposure)

	// No hold was left behind.
	_, _, pending := f.ledger.Totals("client-1")
	assert.Zero(t, pending)

	// Blocked decisions still carry a signed token.
	require.NotNil(t, env.DecisionToken)
	assert.Equal(t, core.DecisionBlocked, env.DecisionToken.Payload.Decision)
}

func TestInvalidSchemaShortCircuits(t *testing.T) {
	f := newFixture(t, nil)
	req := baseRequest()
	req.Order.Qty = -5

	env := f.gate.Authorize(context.Background(), req)
	assert.Equal(t, core.DecisionBlocked, env.Status)
	assert.Equal(t, core.ReasonInvalidOrderSchema, env.ReasonCode)
	assert.Nil(t, env.DecisionToken)
	assert.NotEmpty(t, env.TraceID)

	_, _, pending := f.ledger.Totals("client-1")
	assert.Zero(t, pending)
}

func TestPolicyBlock(t *testing.T) {
	f := newFixture(t, nil)
	req := baseRequest()
	req.Order.Qty = 1000 // 185500 notional trips block-huge-notional

	env := f.gate.Authorize(context.Background(), req)
	assert.Equal(t, core.DecisionBlocked, env.Status)
	assert.Equal(t, core.ReasonPolicyBlocked, env.ReasonCode)
	assert.Equal(t, []string{"block-huge-notional"}, env.RuleIDs)
	require.NotNil(t, env.Economics)
	require.NotNil(t, env.Economics.SavedExposure)

	_, _, pending := f.ledger.Totals("client-1")
	assert.Zero(t, pending)
}

func TestMarketOrderAuthorizedWithUnknownPrice(t *testing.T) {
	f := newFixture(t, nil)
	req := baseRequest()
	req.Order.Price = nil

	env := f.gate.Authorize(context.Background(), req)
	assert.Equal(t, core.DecisionAuthorized, env.Status)
	require.NotNil(t, env.Economics)
	assert.True(t, env.Economics.PriceUnavailable)
	assert.Nil(t, env.Economics.Notional)

	// Without a price nothing is reservable; the hold carries zero notional.
	_, _, pending := f.ledger.Totals("client-1")
	assert.Zero(t, pending)
}

func TestFailClosedOnAuditFailure(t *testing.T) {
	f := newFixture(t, failingAuditStore{})

	env := f.gate.Authorize(context.Background(), baseRequest())
	assert.Equal(t, core.DecisionBlocked, env.Status)
	assert.Equal(t, core.ReasonAuditUnavailable, env.ReasonCode)
	assert.Nil(t, env.DecisionToken)
}

func TestFailClosedOnSigningFailure(t *testing.T) {
	f := newFixture(t, nil)
	// Unloaded keyring: issuance fails after the hold is reserved.
	g := New(f.gate.cfg, f.eval, f.ledger, f.auditor, token.NewIssuer(token.NewKeyring()),
		circuitbreaker.NewManager(nil), NewDigestRegistry(), nil)

	env := g.Authorize(context.Background(), baseRequest())
	assert.Equal(t, core.DecisionBlocked, env.Status)
	assert.Equal(t, core.ReasonSigningUnavailable, env.ReasonCode)

	// The hold reserved before signing was rolled back.
	_, _, pending := f.ledger.Totals("client-1")
	assert.Zero(t, pending)
}

func TestFailClosedOnMissingPolicyBundle(t *testing.T) {
	f := newFixture(t, nil)
	f.eval.Install(nil)

	env := f.gate.Authorize(context.Background(), baseRequest())
	assert.Equal(t, core.DecisionBlocked, env.Status)
	assert.Equal(t, core.ReasonGateUnavailable, env.ReasonCode)
}

func TestBreakerOpensAfterRepeatedAuditFailures(t *testing.T) {
	f := newFixture(t, failingAuditStore{})

	for i := 0; i < 6; i++ {
		env := f.gate.Authorize(context.Background(), baseRequest())
		assert.Equal(t, core.DecisionBlocked, env.Status)
	}

	// After five failures inside the window the audit breaker is open and
	// requests keep failing closed without touching the store.
	st := f.gate.breakers.Get("audit").State()
	assert.Equal(t, circuitbreaker.StateOpen, st)

	env := f.gate.Authorize(context.Background(), baseRequest())
	assert.Equal(t, core.ReasonAuditUnavailable, env.ReasonCode)
}

func TestAdoptedTraceID(t *testing.T) {
	f := newFixture(t, nil)
	req := baseRequest()
	req.TraceID = "trace-supplied"

	env := f.gate.Authorize(context.Background(), req)
	assert.Equal(t, "trace-supplied", env.TraceID)
}

func TestTokenVerifiesUntilExpiry(t *testing.T) {
	f := newFixture(t, nil)
	env := f.gate.Authorize(context.Background(), baseRequest())
	require.NotNil(t, env.DecisionToken)

	verifier := token.NewVerifier(f.keyring)
	res := verifier.Verify(env.DecisionToken, time.Now())
	assert.True(t, res.Valid)

	res = verifier.Verify(env.DecisionToken, time.Now().Add(301*time.Second))
	assert.False(t, res.Valid)
	assert.Equal(t, token.ReasonTokenExpired, res.Reason)
}
