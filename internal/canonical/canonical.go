// Package canonical provides the single canonical-JSON and hashing surface for
// the gate. Every hash-chain producer and verifier (audit log, exposure chain,
// decision tokens, evidence packs) goes through this package; any drift between
// two serializers would read as a tamper signal.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// MarshalJSON returns the RFC 8785 (JCS) canonical JSON encoding of v:
// object keys sorted lexicographically at every depth, compact separators,
// array order preserved.
func MarshalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// MarshalString is MarshalJSON returning a string.
func MarshalString(v interface{}) (string, error) {
	b, err := MarshalJSON(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalizes v and returns the lowercase hex SHA-256 of the result.
func HashJSON(v interface{}) (string, error) {
	b, err := MarshalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// ChainHash computes a hash-chain link over the audit chain input
// "prev_hash_or_empty|event_type|event_version|canonical_json(payload)".
func ChainHash(prevHash, eventType string, eventVersion int, payload interface{}) (string, error) {
	body, err := MarshalJSON(payload)
	if err != nil {
		return "", err
	}
	input := prevHash + "|" + eventType + "|" + strconv.Itoa(eventVersion) + "|" + string(body)
	return SHA256Hex([]byte(input)), nil
}

// PriceRepr formats a price to exactly 8 decimal places, or the literal
// "null" when the order carries no price. This is the wire form used in
// order digests; it must never change without a digest version bump.
func PriceRepr(price *float64) string {
	if price == nil {
		return "null"
	}
	return strconv.FormatFloat(*price, 'f', 8, 64)
}

// OrderDigest computes the deterministic order fingerprint
// SHA256(client_order_id|UPPER(symbol)|UPPER(side)|qty|price_repr).
func OrderDigest(clientOrderID, symbol, side string, qty int64, price *float64) string {
	input := strings.Join([]string{
		clientOrderID,
		strings.ToUpper(symbol),
		strings.ToUpper(side),
		strconv.FormatInt(qty, 10),
		PriceRepr(price),
	}, "|")
	return SHA256Hex([]byte(input))
}

// ExposureChainHash computes a per-client exposure chain link
// SHA256(prev_hash|trace_id|client_id|symbol|delta).
func ExposureChainHash(prevHash, traceID, clientID, symbol string, delta float64) string {
	input := strings.Join([]string{
		prevHash,
		traceID,
		clientID,
		symbol,
		strconv.FormatFloat(delta, 'f', 8, 64),
	}, "|")
	return SHA256Hex([]byte(input))
}
