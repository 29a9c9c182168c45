// Package token issues and verifies signed decision tokens. A token binds a
// trace, an exact order digest, the policy snapshot used, and the decision
// into one verifiable envelope. v0 uses a keyed MAC (HS256-GATE); the
// envelope carries the algorithm tag so a v1 asymmetric scheme can verify
// side by side.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradegate/backend/internal/canonical"
	"github.com/tradegate/backend/internal/core"
)

// AlgHS256Gate is the v0 keyed-MAC algorithm tag.
const AlgHS256Gate = "HS256-GATE"

// Version is the token envelope version.
const Version = "v0"

// Verification failure reasons.
const (
	ReasonTokenExpired     = "TOKEN_EXPIRED"
	ReasonInvalidSignature = "INVALID_SIGNATURE"
	ReasonUnknownVersion   = "UNKNOWN_VERSION"
)

var errNoPayload = errors.New("token: envelope has no payload")

// Payload is the signed body of a decision token. The signature covers the
// canonical (sorted-keys, compact) JSON of this struct; tokens never encode
// secret material.
type Payload struct {
	TraceID            string        `json:"trace_id"`
	Decision           core.Decision `json:"decision"`
	ReasonCode         string        `json:"reason_code"`
	RuleIDs            []string      `json:"rule_ids"`
	PolicySnapshotHash string        `json:"policy_snapshot_hash"`
	OrderDigest        string        `json:"order_digest"`
	Order              core.Order    `json:"order"`
	Subject            string        `json:"subject"`
	Audience           string        `json:"audience"`
	IssuedAt           time.Time     `json:"issued_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
	Nonce              string        `json:"nonce"`
	ProjectedExposure  float64       `json:"projected_exposure"`
}

// Token is the signed envelope returned to clients and embedded in the
// authorize.* audit events.
type Token struct {
	Version   string  `json:"version"`
	Alg       string  `json:"alg"`
	KeyID     string  `json:"key_id"`
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// IssueParams are the inputs to Issue. A zero Nonce gets a fresh UUID;
// passing an explicit nonce makes issuance reproducible for replay checks.
type IssueParams struct {
	TraceID            string
	Decision           core.Decision
	ReasonCode         string
	RuleIDs            []string
	PolicySnapshotHash string
	Order              core.Order
	Subject            string
	Audience           string
	ProjectedExposure  float64
	TTL                time.Duration
	Nonce              string
	Now                time.Time // zero means time.Now
}

// Issuer signs decision tokens with the keyring's active key.
type Issuer struct {
	keyring *Keyring
}

// NewIssuer creates an Issuer backed by kr.
func NewIssuer(kr *Keyring) *Issuer {
	return &Issuer{keyring: kr}
}

// Issue builds and signs a decision token. Identical parameters and nonce
// produce an identical signature.
func (i *Issuer) Issue(p IssueParams) (*Token, error) {
	key, err := i.keyring.current()
	if err != nil {
		return nil, err
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Second)

	ttl := p.TTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	nonce := p.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}

	ruleIDs := p.RuleIDs
	if ruleIDs == nil {
		ruleIDs = []string{}
	}

	payload := Payload{
		TraceID:            p.TraceID,
		Decision:           p.Decision,
		ReasonCode:         p.ReasonCode,
		RuleIDs:            ruleIDs,
		PolicySnapshotHash: p.PolicySnapshotHash,
		OrderDigest:        p.Order.Digest(),
		Order:              p.Order,
		Subject:            p.Subject,
		Audience:           p.Audience,
		IssuedAt:           now,
		ExpiresAt:          now.Add(ttl),
		Nonce:              nonce,
		ProjectedExposure:  p.ProjectedExposure,
	}

	sig, err := sign(key, payload)
	if err != nil {
		return nil, err
	}

	return &Token{
		Version:   Version,
		Alg:       AlgHS256Gate,
		KeyID:     key.keyID,
		Payload:   payload,
		Signature: sig,
	}, nil
}

// SignDigest MACs an arbitrary hex digest with the active key. Used to
// countersign evidence-pack manifests with the same key material that signs
// decision tokens.
func (i *Issuer) SignDigest(digest string) (string, error) {
	key, err := i.keyring.current()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key.mac)
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verifier checks decision tokens against the keyring.
type Verifier struct {
	keyring *Keyring
}

// NewVerifier creates a Verifier backed by kr.
func NewVerifier(kr *Keyring) *Verifier {
	return &Verifier{keyring: kr}
}

// Verify checks expiry, then signature, then version — in that order, so an
// expired token reports TOKEN_EXPIRED even if it was also tampered with.
func (v *Verifier) Verify(t *Token, now time.Time) VerifyResult {
	if now.IsZero() {
		now = time.Now()
	}

	if !t.Payload.ExpiresAt.After(now) {
		return VerifyResult{Valid: false, Reason: ReasonTokenExpired}
	}

	key, err := v.keyring.current()
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonInvalidSignature}
	}
	expected, err := sign(key, t.Payload)
	if err != nil || !hmac.Equal([]byte(expected), []byte(t.Signature)) {
		return VerifyResult{Valid: false, Reason: ReasonInvalidSignature}
	}

	if t.Version != Version {
		return VerifyResult{Valid: false, Reason: ReasonUnknownVersion}
	}

	return VerifyResult{Valid: true}
}

// CompactSignature returns the short form "version:trace8:sig32" used in
// logs and decision envelopes.
func (t *Token) CompactSignature() string {
	trace := t.Payload.TraceID
	if len(trace) > 8 {
		trace = trace[:8]
	}
	sig := t.Signature
	if len(sig) > 32 {
		sig = sig[:32]
	}
	return fmt.Sprintf("%s:%s:%s", t.Version, trace, sig)
}

func sign(key *signingKey, payload Payload) (string, error) {
	body, err := canonical.MarshalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("token: canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, key.mac)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
