package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/backend/internal/core"
)

func ptr(f float64) *float64 { return &f }

const testBundle = `version: "test-1"
rules:
  - id: block-restricted-symbols
    when:
      symbol_in: [GME, AMC]
    action: BLOCK
    reason_code: POLICY_BLOCKED
  - id: block-large-notional
    when:
      notional_above: 50000
    action: BLOCK
    reason_code: POLICY_BLOCKED
  - id: allow-default
    when: {}
    action: ALLOW
`

func loadTestBundle(t *testing.T) *Bundle {
	t.Helper()
	b, err := ParseBundle([]byte(testBundle))
	require.NoError(t, err)
	return b
}

func order(symbol string, qty int64, price *float64) core.Order {
	return core.Order{ClientOrderID: "O1", Symbol: symbol, Side: core.SideBuy, Qty: qty, Price: price}
}

func TestParseBundleHash(t *testing.T) {
	b := loadTestBundle(t)
	assert.Equal(t, "test-1", b.Version)
	assert.Len(t, b.SnapshotHash, 64)
	assert.Len(t, b.TokenHash(), TokenHashLen)
	assert.Equal(t, b.SnapshotHash[:16], b.TokenHash())

	// Identical content yields an identical hash.
	b2, err := ParseBundle([]byte(testBundle))
	require.NoError(t, err)
	assert.Equal(t, b.SnapshotHash, b2.SnapshotHash)

	// A one-byte change changes the hash.
	b3, err := ParseBundle([]byte(testBundle + "\n# note"))
	require.NoError(t, err)
	assert.NotEqual(t, b.SnapshotHash, b3.SnapshotHash)
}

func TestParseBundleRejectsInvalid(t *testing.T) {
	_, err := ParseBundle([]byte(`version: "x"`))
	assert.Error(t, err, "no rules")

	_, err = ParseBundle([]byte("rules:\n  - id: r\n    action: ALLOW\n"))
	assert.Error(t, err, "missing version")

	_, err = ParseBundle([]byte("version: v\nrules:\n  - id: r\n    action: MAYBE\n"))
	assert.Error(t, err, "bad action")
}

func TestFirstMatchWins(t *testing.T) {
	b := loadTestBundle(t)

	// GME also exceeds the notional rule, but the symbol rule is first.
	res := b.Evaluate(order("GME", 10000, ptr(100)), ExposureContext{})
	assert.Equal(t, ActionBlock, res.Decision)
	assert.Equal(t, "block-restricted-symbols", res.RuleID)

	res = b.Evaluate(order("AAPL", 1000, ptr(100)), ExposureContext{})
	assert.Equal(t, ActionBlock, res.Decision)
	assert.Equal(t, "block-large-notional", res.RuleID)

	res = b.Evaluate(order("AAPL", 10, ptr(100)), ExposureContext{})
	assert.Equal(t, ActionAllow, res.Decision)
	assert.Equal(t, "allow-default", res.RuleID)
	assert.Empty(t, res.ReasonCode)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	b := loadTestBundle(t)
	o := order("AAPL", 100, ptr(185.50))
	ctx := ExposureContext{CurrentGross: 1000, Pending: 500}

	first := b.Evaluate(o, ctx)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, b.Evaluate(o, ctx))
	}
}

func TestSymbolMatchIsCaseInsensitive(t *testing.T) {
	b := loadTestBundle(t)
	res := b.Evaluate(order("gme", 1, ptr(1)), ExposureContext{})
	assert.Equal(t, ActionBlock, res.Decision)
}

func TestNoMatchBlocks(t *testing.T) {
	b, err := ParseBundle([]byte("version: narrow\nrules:\n  - id: only-aapl\n    when:\n      symbol_in: [AAPL]\n    action: ALLOW\n"))
	require.NoError(t, err)

	res := b.Evaluate(order("MSFT", 1, ptr(1)), ExposureContext{})
	assert.Equal(t, ActionBlock, res.Decision)
	assert.Equal(t, core.ReasonPolicyBlocked, res.ReasonCode)
	assert.Empty(t, res.RuleID)
}

func TestProjectedGrossPredicate(t *testing.T) {
	content := `version: gross
rules:
  - id: block-projected-gross
    when:
      projected_gross_above: 100000
    action: BLOCK
  - id: allow-default
    when: {}
    action: ALLOW
`
	b, err := ParseBundle([]byte(content))
	require.NoError(t, err)

	// 90k existing + 20k order breaches the 100k projection.
	res := b.Evaluate(order("AAPL", 200, ptr(100)), ExposureContext{CurrentGross: 90000})
	assert.Equal(t, ActionBlock, res.Decision)

	res = b.Evaluate(order("AAPL", 200, ptr(100)), ExposureContext{CurrentGross: 10000})
	assert.Equal(t, ActionAllow, res.Decision)
}

func TestMarketOrderPredicate(t *testing.T) {
	b, err := ParseBundle([]byte(DefaultBundleContent))
	require.NoError(t, err)

	res := b.Evaluate(order("AAPL", 20000, nil), ExposureContext{})
	assert.Equal(t, ActionBlock, res.Decision)
	assert.Equal(t, "block-oversize-market", res.RuleID)

	res = b.Evaluate(order("AAPL", 20000, ptr(5)), ExposureContext{})
	assert.Equal(t, ActionAllow, res.Decision)
}

func TestEvaluatorHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testBundle), 0o600))

	e, err := NewEvaluator(path)
	require.NoError(t, err)
	firstHash := e.Bundle().SnapshotHash

	res, err := e.Evaluate(order("AAPL", 10, ptr(100)), ExposureContext{})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, res.Decision)

	// Swap in a bundle that blocks everything.
	denyAll := "version: deny\nrules:\n  - id: deny-all\n    when: {}\n    action: BLOCK\n"
	require.NoError(t, os.WriteFile(path, []byte(denyAll), 0o600))
	require.NoError(t, e.Reload())

	assert.NotEqual(t, firstHash, e.Bundle().SnapshotHash)
	res, err = e.Evaluate(order("AAPL", 10, ptr(100)), ExposureContext{})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, res.Decision)
}

func TestEvaluatorReloadKeepsOldBundleOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testBundle), 0o600))

	e, err := NewEvaluator(path)
	require.NoError(t, err)
	oldHash := e.Bundle().SnapshotHash

	require.NoError(t, os.WriteFile(path, []byte("version: broken"), 0o600))
	assert.Error(t, e.Reload())
	assert.Equal(t, oldHash, e.Bundle().SnapshotHash)
}
