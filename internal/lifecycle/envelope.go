// Package lifecycle ingests order lifecycle events from execution venues:
// envelope validation, status normalization, rejection classification, and
// idempotent application to the shadow ledger and audit log.
package lifecycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tradegate/backend/internal/canonical"
)

// Source identifies the producing system.
type Source struct {
	Kind           string `json:"kind"` // SIM, MT5, BRIDGE, LP
	Name           string `json:"name"`
	AdapterVersion string `json:"adapter_version,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	ServerName     string `json:"server_name,omitempty"`
}

// Correlation links the event back to the authorizing trace.
type Correlation struct {
	TraceID         string `json:"trace_id"`
	ClientOrderID   string `json:"client_order_id,omitempty"`
	LPOrderID       string `json:"lp_order_id,omitempty"`
	OrderDigest     string `json:"order_digest,omitempty"`
	DecisionTokenID string `json:"decision_token_id,omitempty"`
}

// Normalization carries the normalized status and, for rejections, the
// classified reason.
type Normalization struct {
	Status Status     `json:"status"`
	Reason *Rejection `json:"reason,omitempty"`
}

// Integrity carries the envelope's self-hash and chain linkage.
type Integrity struct {
	PayloadHash   string `json:"payload_hash"`
	PrevEventHash string `json:"prev_event_hash,omitempty"`
	ChainID       string `json:"chain_id,omitempty"`
}

// Envelope is one lifecycle event as submitted by an adapter.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Source        Source          `json:"source"`
	OccurredAt    time.Time       `json:"occurred_at"`  // asserted by the source
	IngestedAt    time.Time       `json:"ingested_at"`  // stamped by the gate
	Correlation   Correlation     `json:"correlation"`
	Payload       json.RawMessage `json:"payload"`
	Normalization Normalization   `json:"normalization"`
	Integrity     Integrity       `json:"integrity"`
}

// envelopeSchema is the structural contract for inbound envelopes. Field
// semantics beyond structure (status vocabulary, hash format) are enforced
// in Go after the schema pass.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_id", "event_type", "event_version", "source", "occurred_at", "correlation", "payload", "normalization"],
	"properties": {
		"event_id": {"type": "string", "minLength": 1},
		"event_type": {"type": "string", "minLength": 1},
		"event_version": {"type": "integer", "minimum": 1},
		"source": {
			"type": "object",
			"required": ["kind", "name"],
			"properties": {
				"kind": {"enum": ["SIM", "MT5", "BRIDGE", "LP"]},
				"name": {"type": "string", "minLength": 1}
			}
		},
		"occurred_at": {"type": "string", "format": "date-time"},
		"correlation": {
			"type": "object",
			"required": ["trace_id"],
			"properties": {
				"trace_id": {"type": "string", "minLength": 1}
			}
		},
		"payload": {"type": "object"},
		"normalization": {
			"type": "object",
			"required": ["status"],
			"properties": {
				"status": {"enum": ["SUBMITTED", "ACCEPTED", "REJECTED", "PARTIALLY_FILLED", "FILLED", "CANCELED", "EXPIRED", "UNKNOWN"]}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// ValidationError is a malformed-envelope rejection; it causes no hash-chain
// side effects.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lifecycle: invalid envelope: %s", e.Detail)
}

// ParseEnvelope validates raw JSON against the envelope schema and decodes
// it.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}
	if !env.Normalization.Status.Valid() {
		return nil, &ValidationError{Detail: fmt.Sprintf("unknown status %q", env.Normalization.Status)}
	}
	return &env, nil
}

// PayloadHash computes the envelope's self-hash over everything except the
// integrity block and the server-stamped ingested_at, prefixed with the
// digest algorithm. Excluding ingested_at keeps a replayed envelope
// hash-identical to the original.
func (e *Envelope) PayloadHash() (string, error) {
	shadow := struct {
		EventID       string          `json:"event_id"`
		EventType     string          `json:"event_type"`
		EventVersion  int             `json:"event_version"`
		Source        Source          `json:"source"`
		OccurredAt    time.Time       `json:"occurred_at"`
		Correlation   Correlation     `json:"correlation"`
		Payload       json.RawMessage `json:"payload"`
		Normalization Normalization   `json:"normalization"`
	}{
		e.EventID, e.EventType, e.EventVersion, e.Source, e.OccurredAt,
		e.Correlation, e.Payload, e.Normalization,
	}
	data, err := canonical.MarshalJSON(shadow)
	if err != nil {
		return "", err
	}
	return "sha256:" + canonical.SHA256Hex(data), nil
}

// ExecutionDetail is the payload shape for execution-class events. Fields
// the source does not know may be zero.
type ExecutionDetail struct {
	ClientID  string   `json:"client_id"`
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Qty       int64    `json:"qty"`
	FillPrice *float64 `json:"fill_price,omitempty"`
	ExecID    string   `json:"exec_id,omitempty"`
	Notional  *float64 `json:"notional,omitempty"`
}

// executionDetail decodes the payload's execution fields, tolerating extra
// provider fields.
func (e *Envelope) executionDetail() (ExecutionDetail, error) {
	var d ExecutionDetail
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return d, fmt.Errorf("lifecycle: decode execution payload: %w", err)
	}
	return d, nil
}
