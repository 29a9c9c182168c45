package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the closed configuration set for the gate process. Values come
// from a YAML file and may be overridden by environment variables; the env
// names match the operational runbook exactly.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Signing     SigningConfig     `yaml:"signing"`
	Token       TokenConfig       `yaml:"token"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Policy      PolicyConfig      `yaml:"policy"`
	Stores      StoresConfig      `yaml:"stores"`
	Override    OverrideConfig    `yaml:"override"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type SigningConfig struct {
	// KeyMaterial seeds the HKDF derivation for the v0 MAC key. The gate
	// fails closed with SIGNING_UNAVAILABLE when it is empty.
	KeyMaterial string `yaml:"key_material"`
	KeyID       string `yaml:"key_id"`
}

type TokenConfig struct {
	TTLSeconds int    `yaml:"ttl_seconds"`
	Audience   string `yaml:"audience"`
}

type LedgerConfig struct {
	HoldExpirySweepSeconds int `yaml:"hold_expiry_sweep_seconds"`
}

type IdempotencyConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

type CircuitConfig struct {
	Threshold       int `yaml:"threshold"`
	WindowSeconds   int `yaml:"window_seconds"`
	ResetSeconds    int `yaml:"reset_seconds"`
	CloseSuccesses  int `yaml:"close_successes"`
	PolicyTimeoutMs int `yaml:"policy_timeout_ms"`
	AuditTimeoutMs  int `yaml:"audit_timeout_ms"`
}

type PolicyConfig struct {
	BundlePath string `yaml:"bundle_path"`
}

type StoresConfig struct {
	// PostgresDSN selects the Postgres backends for audit, exposure and
	// idempotency state. Empty means in-memory (dev/test).
	PostgresDSN string `yaml:"postgres_dsn"`
	// SQLitePath selects the embedded audit store for single-node deployments.
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
}

type OverrideConfig struct {
	// StrictDualControl rejects the legacy single-operator override path.
	StrictDualControl bool `yaml:"strict_dual_control"`
}

// Defaults per the operational contract.
const (
	DefaultTokenTTLSeconds        = 300
	DefaultHoldExpirySweepSeconds = 60
	DefaultIdempotencyRetention   = 7
	DefaultCircuitThreshold       = 5
	DefaultCircuitWindowSeconds   = 30
	DefaultCircuitResetSeconds    = 60
	DefaultCircuitCloseSuccesses  = 3
	DefaultPolicyTimeoutMs        = 1000
	DefaultAuditTimeoutMs         = 5000
)

// LoadConfig reads a YAML config file and applies env overrides.
// A missing file is not an error; env-only deployments are supported.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("SIGNING_KEY_MATERIAL"); v != "" {
		c.Signing.KeyMaterial = v
	}
	if v := os.Getenv("SIGNING_KEY_ID"); v != "" {
		c.Signing.KeyID = v
	}
	if v, ok := envInt("TOKEN_TTL_SECONDS"); ok {
		c.Token.TTLSeconds = v
	}
	if v, ok := envInt("HOLD_EXPIRY_SWEEP_SECONDS"); ok {
		c.Ledger.HoldExpirySweepSeconds = v
	}
	if v, ok := envInt("IDEMPOTENCY_RETENTION_DAYS"); ok {
		c.Idempotency.RetentionDays = v
	}
	if v, ok := envInt("CIRCUIT_THRESHOLD"); ok {
		c.Circuit.Threshold = v
	}
	if v, ok := envInt("CIRCUIT_RESET"); ok {
		c.Circuit.ResetSeconds = v
	}
	if v := os.Getenv("POLICY_BUNDLE_PATH"); v != "" {
		c.Policy.BundlePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Stores.PostgresDSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Stores.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Stores.RedisAddr = v
	}
	if v := os.Getenv("OVERRIDE_STRICT_DUAL_CONTROL"); v == "true" || v == "1" {
		c.Override.StrictDualControl = true
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Signing.KeyID == "" {
		c.Signing.KeyID = "gate-v0"
	}
	if c.Token.TTLSeconds <= 0 {
		c.Token.TTLSeconds = DefaultTokenTTLSeconds
	}
	if c.Ledger.HoldExpirySweepSeconds <= 0 {
		c.Ledger.HoldExpirySweepSeconds = DefaultHoldExpirySweepSeconds
	}
	if c.Idempotency.RetentionDays <= 0 {
		c.Idempotency.RetentionDays = DefaultIdempotencyRetention
	}
	if c.Circuit.Threshold <= 0 {
		c.Circuit.Threshold = DefaultCircuitThreshold
	}
	if c.Circuit.WindowSeconds <= 0 {
		c.Circuit.WindowSeconds = DefaultCircuitWindowSeconds
	}
	if c.Circuit.ResetSeconds <= 0 {
		c.Circuit.ResetSeconds = DefaultCircuitResetSeconds
	}
	if c.Circuit.CloseSuccesses <= 0 {
		c.Circuit.CloseSuccesses = DefaultCircuitCloseSuccesses
	}
	if c.Circuit.PolicyTimeoutMs <= 0 {
		c.Circuit.PolicyTimeoutMs = DefaultPolicyTimeoutMs
	}
	if c.Circuit.AuditTimeoutMs <= 0 {
		c.Circuit.AuditTimeoutMs = DefaultAuditTimeoutMs
	}
}

// TokenTTL returns the decision token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Token.TTLSeconds) * time.Second
}

// SweepInterval returns the hold expiry sweeper period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Ledger.HoldExpirySweepSeconds) * time.Second
}

// IdempotencyRetention returns the sliding retention window.
func (c *Config) IdempotencyRetention() time.Duration {
	return time.Duration(c.Idempotency.RetentionDays) * 24 * time.Hour
}

// PolicyTimeout returns the per-call deadline for policy evaluation.
func (c *Config) PolicyTimeout() time.Duration {
	return time.Duration(c.Circuit.PolicyTimeoutMs) * time.Millisecond
}

// AuditTimeout returns the per-call deadline for audit appends.
func (c *Config) AuditTimeout() time.Duration {
	return time.Duration(c.Circuit.AuditTimeoutMs) * time.Millisecond
}

// CircuitWindow returns the breaker's failure-counting window.
func (c *Config) CircuitWindow() time.Duration {
	return time.Duration(c.Circuit.WindowSeconds) * time.Second
}

// CircuitReset returns how long an open breaker waits before probing.
func (c *Config) CircuitReset() time.Duration {
	return time.Duration(c.Circuit.ResetSeconds) * time.Second
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
