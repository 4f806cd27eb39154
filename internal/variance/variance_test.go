package variance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davefmurray/tm-fastapi-backend/internal/gp"
)

func ptr(v float64) *float64 { return &v }

func TestEvaluateWithinThreshold(t *testing.T) {
	res := New(0).Evaluate(61.2, ptr(61.5), gp.Diagnostics{RateFallbackUsed: true})
	require.NotNil(t, res.Percent)
	assert.Equal(t, 0.3, *res.Percent)
	assert.False(t, res.Flagged)
	assert.Equal(t, ReasonNone, res.Reason)
}

func TestEvaluateFlagsWithMostSpecificReason(t *testing.T) {
	v := New(0.5)

	res := v.Evaluate(55, ptr(61.46), gp.Diagnostics{QuantityAmbiguous: true, FeeIncluded: true})
	assert.True(t, res.Flagged)
	assert.Equal(t, 6.46, *res.Percent)
	assert.Equal(t, ReasonQuantityAmbiguous, res.Reason)

	res = v.Evaluate(55, ptr(61.46), gp.Diagnostics{RateFallbackUsed: true, SubtotalNull: true})
	assert.Equal(t, ReasonRateFallbackUsed, res.Reason)

	res = v.Evaluate(70, ptr(61.46), gp.Diagnostics{})
	assert.Equal(t, ReasonEndpointDisagreement, res.Reason)
}

func TestEvaluateWithoutUpstreamFigure(t *testing.T) {
	res := New(0.5).Evaluate(40, nil, gp.Diagnostics{RateFallbackUsed: true})
	assert.Nil(t, res.Percent)
	assert.False(t, res.Flagged)
}

func TestExplainOrder(t *testing.T) {
	assert.Equal(t, ReasonFeeIncluded, Explain(gp.Diagnostics{FeeIncluded: true, SubtotalNull: true, EndpointDisagreement: true}))
	assert.Equal(t, ReasonSubtotalNull, Explain(gp.Diagnostics{SubtotalNull: true, EndpointDisagreement: true}))
}
