package gp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// twoJobOrder is job A authorized (parts $120.00, labor $269.25) and job B
// not authorized (parts $80.00).
func twoJobOrder() tekmetric.Estimate {
	return tekmetric.Estimate{
		Jobs: []tekmetric.Job{
			{
				ID: 1, Name: "Brakes", Authorized: true, SubtotalPresent: true, TotalCents: 38925,
				Parts: []tekmetric.Part{{ID: 11, Name: "Pads", Quantity: 1, RetailCents: 12000, CostCents: 7500}},
				Labor: []tekmetric.Labor{{ID: 12, Name: "Replace pads", Hours: 1.5, RateCents: 17950, TotalCents: 26925, TotalPresent: true}},
			},
			{
				ID: 2, Name: "Wipers", SubtotalPresent: true, TotalCents: 8000,
				Parts: []tekmetric.Part{{ID: 21, Name: "Blades", Quantity: 1, RetailCents: 8000, CostCents: 3000}},
			},
		},
	}
}

func TestReconcilePotentialVersusAuthorized(t *testing.T) {
	res := Reconcile(twoJobOrder(), nil, NewRateBook(nil, DefaultTechRateCents))

	assert.Equal(t, int64(46925), res.Potential.RevenueCents)
	assert.Equal(t, int64(38925), res.Authorized.RevenueCents)
	assert.Equal(t, int64(8000), res.PendingRevenueCents)
	assert.Equal(t, 2, res.Potential.JobCount)
	assert.Equal(t, 1, res.Authorized.JobCount)
	assert.Equal(t, SourceJobSum, res.AuthorizedSource)
	assert.Equal(t, ProfitEstimated, res.ProfitSource)
	assert.Nil(t, res.UpstreamGPPercent)

	// no technicians at all: default $25/hr over 1.5h
	require.Len(t, res.Jobs[0].Labor, 1)
	labor := res.Jobs[0].Labor[0]
	assert.Equal(t, RateDefault, labor.RateSource)
	assert.Equal(t, int64(2500), labor.CostRateCents)
	assert.Equal(t, int64(3750), labor.CostCents)

	assert.Equal(t, int64(7500+3750), res.Authorized.CostCents)
	assert.Equal(t, int64(38925-11250), res.Authorized.ProfitCents)
	assert.True(t, res.Diagnostics.RateFallbackUsed)
	assert.False(t, res.Diagnostics.EndpointDisagreement)
}

func TestReconcileUsesProfitEndpointAsSourceOfTruth(t *testing.T) {
	margin := 61.46
	profit := &tekmetric.ProfitSummary{
		HasTotals:     true,
		RetailCents:   38925,
		CostCents:     15000,
		ProfitCents:   23925,
		MarginPercent: &margin,

		HasLabor:         true,
		LaborHours:       1.5,
		LaborRetailCents: 26925,
		LaborCostCents:   4500,
		LaborProfitCents: 22425,
	}

	res := Reconcile(twoJobOrder(), profit, nil)

	assert.Equal(t, SourceUpstreamAggregate, res.AuthorizedSource)
	assert.Equal(t, ProfitUpstream, res.ProfitSource)
	assert.Equal(t, int64(23925), res.Authorized.ProfitCents)
	assert.Equal(t, int64(12000), res.Authorized.PartsRevenueCents)
	assert.Equal(t, int64(10500), res.Authorized.PartsCostCents)
	assert.Equal(t, int64(1500), res.Authorized.PartsProfitCents)
	assert.Equal(t, 61.46, res.GPPercent())
	require.NotNil(t, res.UpstreamGPPercent)
	assert.Equal(t, margin, *res.UpstreamGPPercent)
	assert.Equal(t, int64(8000), res.PendingRevenueCents)

	// the local estimate is kept alongside for variance
	assert.Equal(t, int64(38925), res.Estimated.RevenueCents)
	assert.NotEqual(t, res.Authorized.CostCents, res.Estimated.CostCents)
}

func TestReconcileFlagsEndpointDisagreementAndKeepsAuthorizedBelowPotential(t *testing.T) {
	profit := &tekmetric.ProfitSummary{HasTotals: true, RetailCents: 50000, CostCents: 20000, ProfitCents: 30000}

	res := Reconcile(twoJobOrder(), profit, nil)

	assert.True(t, res.Diagnostics.EndpointDisagreement)
	assert.Equal(t, int64(50000), res.Potential.RevenueCents)
	assert.Equal(t, int64(0), res.PendingRevenueCents)
	assert.LessOrEqual(t, res.Authorized.RevenueCents, res.Potential.RevenueCents)
	assert.LessOrEqual(t, res.Authorized.CostCents, res.Potential.CostCents)
	assert.LessOrEqual(t, res.Authorized.JobCount, res.Potential.JobCount)
	require.NotNil(t, res.UpstreamGPPercent)
	assert.Equal(t, 60.0, *res.UpstreamGPPercent)
}

func TestReconcileUpstreamPartsAbsorbSubletWithoutInflatingPotential(t *testing.T) {
	est := tekmetric.Estimate{Jobs: []tekmetric.Job{{
		ID: 1, Authorized: true,
		Parts:   []tekmetric.Part{{ID: 11, Quantity: 1, RetailCents: 10000, CostCents: 4000}},
		Sublets: []tekmetric.Sublet{{ID: 12, Name: "Alignment", RetailCents: 5000, CostCents: 2000}},
	}}}
	profit := &tekmetric.ProfitSummary{HasTotals: true, RetailCents: 15000, CostCents: 6000, ProfitCents: 9000}

	res := Reconcile(est, profit, nil)

	// upstream has no sublet breakdown, so authorized parts carry it
	assert.Equal(t, int64(15000), res.Authorized.PartsRevenueCents)
	assert.False(t, res.Diagnostics.EndpointDisagreement)

	p := res.Potential
	assert.Equal(t, int64(15000), p.RevenueCents)
	assert.Equal(t, int64(10000), p.PartsRevenueCents)
	assert.Equal(t, int64(5000), p.SubletRevenueCents)
	assert.Equal(t, p.RevenueCents, p.PartsRevenueCents+p.LaborRevenueCents+p.SubletRevenueCents+p.FeesRevenueCents)
	assert.Equal(t, p.RevenueCents-p.CostCents, p.ProfitCents)
	assert.Equal(t, int64(0), res.PendingRevenueCents)
}

func TestReconcileEmptyOrderHasZeroGP(t *testing.T) {
	res := Reconcile(tekmetric.Estimate{}, nil, nil)
	assert.Equal(t, 0.0, res.GPPercent())
	assert.Equal(t, int64(0), res.PendingRevenueCents)
}

func TestReconcileDeclinedJobsStayInPotential(t *testing.T) {
	est := twoJobOrder()
	est.Jobs[1].Declined = true

	res := Reconcile(est, nil, nil)
	assert.Equal(t, int64(46925), res.Potential.RevenueCents)
}

func TestReconcileDiagnostics(t *testing.T) {
	est := tekmetric.Estimate{Jobs: []tekmetric.Job{{
		ID: 1, Authorized: true,
		Parts: []tekmetric.Part{{ID: 1, Quantity: 3, RetailCents: 1000, TotalCents: 5000}},
		Fees:  []tekmetric.Fee{{ID: 2, Name: "Shop supplies", AmountCents: 300}},
	}}}

	res := Reconcile(est, nil, nil)
	assert.True(t, res.Diagnostics.QuantityAmbiguous)
	assert.True(t, res.Diagnostics.FeeIncluded)
	assert.True(t, res.Diagnostics.SubtotalNull)
	assert.False(t, res.Diagnostics.RateFallbackUsed)
	// fees are pure margin
	assert.Equal(t, int64(300), res.Authorized.FeesProfitCents)
}

func TestRateBookFallbackChain(t *testing.T) {
	book := NewRateBook([]Technician{
		{ID: 1, RateCents: 3000, Active: true},
		{ID: 2, RateCents: 4000, Active: true},
		{ID: 3, RateCents: 9000, Active: false},
		{ID: 4, RateCents: 0, Active: true},
	}, DefaultTechRateCents)

	rate, src := book.Resolve(1, 5000)
	assert.Equal(t, int64(5000), rate)
	assert.Equal(t, RateAssigned, src)

	rate, src = book.Resolve(3, 0)
	assert.Equal(t, int64(9000), rate)
	assert.Equal(t, RateAssigned, src)

	rate, src = book.Resolve(0, 0)
	assert.Equal(t, int64(3500), rate)
	assert.Equal(t, RateShopAverage, src)

	rate, src = book.Resolve(4, 0)
	assert.Equal(t, int64(3500), rate)
	assert.Equal(t, RateShopAverage, src)

	rate, src = NewRateBook(nil, 3100).Resolve(7, 0)
	assert.Equal(t, int64(3100), rate)
	assert.Equal(t, RateDefault, src)

	var none *RateBook
	rate, src = none.Resolve(7, 0)
	assert.Equal(t, DefaultTechRateCents, rate)
	assert.Equal(t, RateDefault, src)
}

func TestPriceLineCostFormats(t *testing.T) {
	validated := priceLine(tekmetric.Part{Quantity: 2, RetailCents: 6000, CostCents: 2500, TotalCents: 12000})
	assert.Equal(t, CostPerUnitValidated, validated.Format)
	assert.Equal(t, int64(12000), validated.RevenueCents)
	assert.Equal(t, int64(5000), validated.CostCents)

	divided := priceLine(tekmetric.Part{Quantity: 2, RetailCents: 12000, CostCents: 8000, TotalCents: 12000})
	assert.Equal(t, CostTotalDivided, divided.Format)
	assert.Equal(t, int64(6000), divided.UnitRetail)
	assert.Equal(t, int64(12000), divided.RevenueCents)
	assert.Equal(t, int64(8000), divided.CostCents)

	ambiguous := priceLine(tekmetric.Part{Quantity: 3, RetailCents: 1000, TotalCents: 5000})
	assert.Equal(t, CostAssumedPerUnit, ambiguous.Format)
	assert.True(t, ambiguous.Ambiguous)
	assert.Equal(t, int64(3000), ambiguous.RevenueCents)

	assumed := priceLine(tekmetric.Part{Quantity: 2, RetailCents: 1000, CostCents: 400})
	assert.False(t, assumed.Ambiguous)
	assert.Equal(t, int64(2000), assumed.RevenueCents)
	assert.Equal(t, int64(800), assumed.CostCents)
}

func TestChargeFee(t *testing.T) {
	capped := chargeFee(tekmetric.Fee{Percentage: 10, CapCents: 1500}, 20000)
	assert.Equal(t, int64(1500), capped.RevenueCents)
	assert.Equal(t, int64(0), capped.CostCents)

	pct := chargeFee(tekmetric.Fee{Percentage: 5}, 20000)
	assert.Equal(t, int64(1000), pct.RevenueCents)

	passThrough := chargeFee(tekmetric.Fee{TotalCents: 500, TotalPresent: true, CostBearing: true}, 20000)
	assert.Equal(t, int64(500), passThrough.RevenueCents)
	assert.Equal(t, int64(500), passThrough.CostCents)
}

func TestTechnicians(t *testing.T) {
	est := tekmetric.Estimate{Jobs: []tekmetric.Job{
		{ID: 1, Authorized: true, Labor: []tekmetric.Labor{
			{Hours: 1, TotalCents: 10000, TotalPresent: true, TechnicianID: 5, TechnicianName: "Ana Diaz", TechnicianRateCents: 3000},
			{Hours: 2, TotalCents: 20000, TotalPresent: true, TechnicianID: 5, TechnicianRateCents: 3000},
		}},
		{ID: 2, Labor: []tekmetric.Labor{{Hours: 4, TotalCents: 40000, TotalPresent: true, TechnicianID: 6}}},
	}}

	techs := Reconcile(est, nil, nil).Technicians()
	require.Len(t, techs, 1)
	assert.Equal(t, int64(5), techs[0].TechnicianID)
	assert.Equal(t, "Ana Diaz", techs[0].Name)
	assert.Equal(t, 3.0, techs[0].Hours)
	assert.Equal(t, int64(30000), techs[0].RevenueCents)
	assert.Equal(t, int64(9000), techs[0].CostCents)
	assert.Equal(t, 2, techs[0].Lines)
}
