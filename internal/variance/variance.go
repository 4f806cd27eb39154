// Package variance compares locally computed gross profit against the
// figure the upstream system reports for the same order.
package variance

import (
	"math"

	"github.com/davefmurray/tm-fastapi-backend/internal/gp"
	"github.com/davefmurray/tm-fastapi-backend/internal/money"
)

// DefaultThreshold is the tolerated gap in percentage points.
const DefaultThreshold = 0.5

// Reason explains a flagged variance.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonRateFallbackUsed     Reason = "rate_fallback_used"
	ReasonQuantityAmbiguous    Reason = "quantity_ambiguous"
	ReasonFeeIncluded          Reason = "fee_included"
	ReasonSubtotalNull         Reason = "subtotal_null"
	ReasonEndpointDisagreement Reason = "endpoint_disagreement"
)

// Result is the variance record attached to a snapshot.
type Result struct {
	// Percent is |ours - upstream| in percentage points; nil when upstream
	// reported no margin.
	Percent *float64
	Flagged bool
	Reason  Reason
}

// Validator flags snapshots whose gap exceeds Threshold.
type Validator struct {
	Threshold float64
}

// New returns a validator; a non-positive threshold selects the default.
func New(threshold float64) Validator {
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultThreshold
	}
	return Validator{Threshold: threshold}
}

// Evaluate never fails: a missing upstream figure is simply not compared.
func (v Validator) Evaluate(ours float64, upstream *float64, diag gp.Diagnostics) Result {
	if upstream == nil || math.IsNaN(*upstream) {
		return Result{}
	}
	gap := money.Round2(math.Abs(ours - *upstream))
	res := Result{Percent: &gap}
	if gap <= v.Threshold {
		return res
	}
	res.Flagged = true
	res.Reason = Explain(diag)
	return res
}

// Explain picks the most specific cause among the observed diagnostics.
// With none observed the gap can only come from the endpoints disagreeing.
func Explain(d gp.Diagnostics) Reason {
	switch {
	case d.RateFallbackUsed:
		return ReasonRateFallbackUsed
	case d.QuantityAmbiguous:
		return ReasonQuantityAmbiguous
	case d.FeeIncluded:
		return ReasonFeeIncluded
	case d.SubtotalNull:
		return ReasonSubtotalNull
	default:
		return ReasonEndpointDisagreement
	}
}
