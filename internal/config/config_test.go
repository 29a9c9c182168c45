package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DefaultTokenTTLSeconds, cfg.Token.TTLSeconds)
	assert.Equal(t, DefaultHoldExpirySweepSeconds, cfg.Ledger.HoldExpirySweepSeconds)
	assert.Equal(t, DefaultIdempotencyRetention, cfg.Idempotency.RetentionDays)
	assert.Equal(t, DefaultCircuitThreshold, cfg.Circuit.Threshold)
	assert.Equal(t, DefaultCircuitCloseSuccesses, cfg.Circuit.CloseSuccesses)
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gate.yaml")
	content := `
server:
  port: "9090"
token:
  ttl_seconds: 120
signing:
  key_material: "test-material"
policy:
  bundle_path: "/etc/gate/policy.yaml"
override:
  strict_dual_control: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 120, cfg.Token.TTLSeconds)
	assert.Equal(t, "test-material", cfg.Signing.KeyMaterial)
	assert.Equal(t, "/etc/gate/policy.yaml", cfg.Policy.BundlePath)
	assert.True(t, cfg.Override.StrictDualControl)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOKEN_TTL_SECONDS", "60")
	t.Setenv("SIGNING_KEY_MATERIAL", "env-material")
	t.Setenv("CIRCUIT_THRESHOLD", "9")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Token.TTLSeconds)
	assert.Equal(t, "env-material", cfg.Signing.KeyMaterial)
	assert.Equal(t, 9, cfg.Circuit.Threshold)
}

func TestMissingFileIsNotFatal(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/gate.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
