// Package economics computes the deterministic decision-time snapshot that
// rides on every authorization: notional, exposure deltas, and for blocked
// orders the exposure the block avoided.
package economics

import (
	"fmt"
	"strings"
	"time"
)

// Price source qualities, strongest first.
const (
	SourceFirm        = "FIRM"
	SourceIndicative  = "INDICATIVE"
	SourceReference   = "REFERENCE"
	SourceUnavailable = "UNAVAILABLE"
)

// Input is everything the snapshot depends on. Determinism matters: the
// same input must always produce the same snapshot, because the snapshot is
// hashed into the evidence pack.
type Input struct {
	Qty             int64      `json:"qty"`
	Price           *float64   `json:"price,omitempty"`
	ReferencePrice  *float64   `json:"reference_price,omitempty"`
	Decision        string     `json:"decision"` // ALLOW or BLOCK
	ExposurePre     *float64   `json:"exposure_pre,omitempty"`
	Currency        string     `json:"currency"`
	PriceAssertedBy string     `json:"price_asserted_by,omitempty"`
	PriceAssertedAt *time.Time `json:"price_asserted_at,omitempty"`
	Now             time.Time  `json:"-"` // injected clock; zero means time.Now
}

// Snapshot is the computed economics record.
type Snapshot struct {
	DecisionTime           time.Time  `json:"decision_time"`
	DecisionTimePrice      *float64   `json:"decision_time_price,omitempty"`
	Notional               *float64   `json:"notional,omitempty"`
	ProjectedExposureDelta *float64   `json:"projected_exposure_delta,omitempty"`
	SavedExposure          *float64   `json:"saved_exposure,omitempty"`
	PriceSource            string     `json:"price_source"`
	PriceUnavailable       bool       `json:"price_unavailable"`
	PriceAssertedBy        string     `json:"price_asserted_by,omitempty"`
	PriceAssertedAt        *time.Time `json:"price_asserted_at,omitempty"`
	ExposurePre            *float64   `json:"exposure_pre,omitempty"`
	ExposurePost           *float64   `json:"exposure_post,omitempty"`
	Currency               string     `json:"currency"`
	CurrencyValidation     string     `json:"currency_validation,omitempty"`
}

// InUSDAggregates reports whether this snapshot may be summed into USD
// totals. Non-USD snapshots are kept but excluded.
func (s *Snapshot) InUSDAggregates() bool {
	return s.CurrencyValidation == ""
}

// Compute derives the snapshot. A firm order price wins over a reference
// price; a reference price asserted by a named quote source counts as
// indicative, an unattributed one as static reference data. Without any
// price the notional is unknown and the snapshot says so rather than guess.
func Compute(in Input) Snapshot {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	snap := Snapshot{
		DecisionTime: now.UTC(),
		PriceSource:  SourceUnavailable,
		Currency:     "USD",
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}
	snap.Currency = currency
	if currency != "USD" {
		snap.CurrencyValidation = fmt.Sprintf("non-USD currency %s excluded from USD aggregates", currency)
	}

	switch {
	case in.Price != nil && *in.Price > 0:
		snap.PriceSource = SourceFirm
		snap.DecisionTimePrice = in.Price
	case in.ReferencePrice != nil && *in.ReferencePrice > 0:
		if in.PriceAssertedBy != "" {
			snap.PriceSource = SourceIndicative
		} else {
			snap.PriceSource = SourceReference
		}
		snap.DecisionTimePrice = in.ReferencePrice
		snap.PriceAssertedBy = in.PriceAssertedBy
		snap.PriceAssertedAt = in.PriceAssertedAt
	default:
		snap.PriceUnavailable = true
		return snap
	}

	notional := float64(in.Qty) * *snap.DecisionTimePrice
	snap.Notional = &notional

	if strings.EqualFold(in.Decision, "BLOCK") {
		snap.SavedExposure = &notional
		snap.ExposurePre = in.ExposurePre
		snap.ExposurePost = in.ExposurePre
		return snap
	}

	snap.ProjectedExposureDelta = &notional
	if in.ExposurePre != nil {
		post := *in.ExposurePre + notional
		snap.ExposurePre = in.ExposurePre
		snap.ExposurePost = &post
	}
	return snap
}
