package lifecycle

import (
	"encoding/json"
	"regexp"
	"strings"
)

// TaxonomyVersion identifies the rejection classification tables below.
// Bump it whenever a mapping changes so historical normalizations stay
// attributable.
const TaxonomyVersion = "v1"

// Rejection classes.
const (
	ClassMargin       = "MARGIN"
	ClassSymbol       = "SYMBOL"
	ClassRiskPolicy   = "RISK_POLICY"
	ClassPrice        = "PRICE"
	ClassLPInternal   = "LP_INTERNAL"
	ClassConnectivity = "CONNECTIVITY"
	ClassRateLimit    = "RATE_LIMIT"
	ClassValidation   = "VALIDATION"
	ClassDuplicate    = "DUPLICATE"
	ClassUnknown      = "UNKNOWN"
)

// Classification confidence.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

// RawRejection preserves the provider's fields verbatim; normalization
// never destroys them.
type RawRejection struct {
	ProviderCode    string            `json:"provider_code,omitempty"`
	ProviderMessage string            `json:"provider_message,omitempty"`
	ProviderFields  map[string]string `json:"provider_fields,omitempty"`
}

// Rejection is a normalized rejection reason.
type Rejection struct {
	TaxonomyVersion string       `json:"taxonomy_version"`
	ReasonClass     string       `json:"reason_class"`
	ReasonCode      string       `json:"reason_code"`
	Confidence      string       `json:"confidence"`
	Raw             RawRejection `json:"raw"`
}

type codeMapping struct {
	class string
	code  string
}

// codeTable maps (source kind, provider code) to a classification.
// MT5 codes are trade server return codes; SIM and BRIDGE use their own
// short mnemonics.
var codeTable = map[string]map[string]codeMapping{
	"MT5": {
		"10014": {ClassValidation, "INVALID_VOLUME"},
		"10015": {ClassPrice, "INVALID_PRICE"},
		"10016": {ClassValidation, "INVALID_STOPS"},
		"10018": {ClassSymbol, "MARKET_CLOSED"},
		"10019": {ClassMargin, "INSUFFICIENT_FUNDS"},
		"10024": {ClassRateLimit, "TOO_FREQUENT"},
		"10027": {ClassRiskPolicy, "AUTOTRADING_DISABLED"},
		"10031": {ClassConnectivity, "NO_CONNECTION"},
		"10033": {ClassRateLimit, "ORDER_LIMIT_REACHED"},
	},
	"SIM": {
		"MARGIN":    {ClassMargin, "INSUFFICIENT_FUNDS"},
		"SYMBOL":    {ClassSymbol, "UNKNOWN_SYMBOL"},
		"DUPLICATE": {ClassDuplicate, "DUPLICATE_ORDER"},
		"THROTTLE":  {ClassRateLimit, "TOO_FREQUENT"},
	},
	"BRIDGE": {
		"TIMEOUT": {ClassConnectivity, "UPSTREAM_TIMEOUT"},
		"DOWN":    {ClassConnectivity, "UPSTREAM_DOWN"},
	},
	"LP": {
		"REJ_RISK":  {ClassRiskPolicy, "LP_RISK_REJECT"},
		"REJ_PRICE": {ClassPrice, "PRICE_STALE"},
		"REJ_DUP":   {ClassDuplicate, "DUPLICATE_ORDER"},
	},
}

type messagePattern struct {
	re    *regexp.Regexp
	class string
	code  string
}

// messageTable is the fallback when no provider code matched.
var messageTable = []messagePattern{
	{regexp.MustCompile(`(?i)margin|not enough money|insufficient funds`), ClassMargin, "INSUFFICIENT_FUNDS"},
	{regexp.MustCompile(`(?i)unknown symbol|symbol .* not found|market closed`), ClassSymbol, "UNKNOWN_SYMBOL"},
	{regexp.MustCompile(`(?i)off quotes|stale price|invalid price|requote`), ClassPrice, "PRICE_STALE"},
	{regexp.MustCompile(`(?i)duplicate`), ClassDuplicate, "DUPLICATE_ORDER"},
	{regexp.MustCompile(`(?i)too many requests|rate limit|too frequent`), ClassRateLimit, "TOO_FREQUENT"},
	{regexp.MustCompile(`(?i)timeout|connection|unreachable`), ClassConnectivity, "UPSTREAM_TIMEOUT"},
	{regexp.MustCompile(`(?i)invalid|malformed|missing field`), ClassValidation, "INVALID_REQUEST"},
	{regexp.MustCompile(`(?i)risk|compliance|not allowed|forbidden`), ClassRiskPolicy, "LP_RISK_REJECT"},
	{regexp.MustCompile(`(?i)internal error|server error`), ClassLPInternal, "LP_INTERNAL_ERROR"},
}

// classifyRejection derives the normalized reason for a REJECTED envelope
// whose adapter did not classify it, from the provider fields in the
// payload.
func classifyRejection(env *Envelope) *Rejection {
	var fields struct {
		ProviderCode    string            `json:"provider_code"`
		ProviderMessage string            `json:"provider_message"`
		ProviderFields  map[string]string `json:"provider_fields"`
	}
	_ = json.Unmarshal(env.Payload, &fields)
	rej := NormalizeRejection(env.Source.Kind, fields.ProviderCode, fields.ProviderMessage, fields.ProviderFields)
	return &rej
}

// NormalizeRejection classifies a provider rejection. Exact code matches are
// HIGH confidence, message-pattern matches MEDIUM, and everything else
// UNKNOWN/UNKNOWN_REJECT at LOW.
func NormalizeRejection(sourceKind, providerCode, providerMessage string, fields map[string]string) Rejection {
	raw := RawRejection{
		ProviderCode:    providerCode,
		ProviderMessage: providerMessage,
		ProviderFields:  fields,
	}

	kind := strings.ToUpper(strings.TrimSpace(sourceKind))
	if table, ok := codeTable[kind]; ok {
		if m, ok := table[strings.ToUpper(strings.TrimSpace(providerCode))]; ok {
			return Rejection{
				TaxonomyVersion: TaxonomyVersion,
				ReasonClass:     m.class,
				ReasonCode:      m.code,
				Confidence:      ConfidenceHigh,
				Raw:             raw,
			}
		}
	}

	for _, p := range messageTable {
		if p.re.MatchString(providerMessage) {
			return Rejection{
				TaxonomyVersion: TaxonomyVersion,
				ReasonClass:     p.class,
				ReasonCode:      p.code,
				Confidence:      ConfidenceMedium,
				Raw:             raw,
			}
		}
	}

	return Rejection{
		TaxonomyVersion: TaxonomyVersion,
		ReasonClass:     ClassUnknown,
		ReasonCode:      "UNKNOWN_REJECT",
		Confidence:      ConfidenceLow,
		Raw:             raw,
	}
}
