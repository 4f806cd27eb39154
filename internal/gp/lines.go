package gp

import (
	"github.com/davefmurray/tm-fastapi-backend/internal/money"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// CostFormat records how a part's cost and retail fields were interpreted.
type CostFormat string

const (
	CostPerUnitValidated CostFormat = "per_unit_validated"
	CostTotalDivided     CostFormat = "total_divided"
	CostAssumedPerUnit   CostFormat = "assumed_per_unit"
)

// PartLine is a part with line totals resolved.
type PartLine struct {
	Part          tekmetric.Part
	Format        CostFormat
	Ambiguous     bool
	UnitCostCents int64
	UnitRetail    int64
	RevenueCents  int64
	CostCents     int64
}

// LaborLine is a labor line with its cost rate resolved.
type LaborLine struct {
	Labor         tekmetric.Labor
	RevenueCents  int64
	CostRateCents int64
	CostCents     int64
	RateSource    RateSource
}

// FeeLine is a fee with its charged amount resolved.
type FeeLine struct {
	Fee          tekmetric.Fee
	RevenueCents int64
	CostCents    int64
}

// priceLine resolves one part. Upstream sometimes sends per-unit figures and
// sometimes line totals in the same fields; a positive total disambiguates
// when it matches one reading within 1%.
func priceLine(p tekmetric.Part) PartLine {
	qty := p.Quantity
	if qty <= 0 {
		qty = 1
	}
	line := PartLine{
		Part:          p,
		Format:        CostAssumedPerUnit,
		UnitCostCents: p.CostCents,
		UnitRetail:    p.RetailCents,
	}
	if p.TotalCents > 0 && qty > 1 {
		switch {
		case near(money.Times(p.RetailCents, qty), p.TotalCents):
			line.Format = CostPerUnitValidated
		case near(p.RetailCents, p.TotalCents):
			line.Format = CostTotalDivided
			line.UnitCostCents = money.PerHour(p.CostCents, qty)
			line.UnitRetail = money.PerHour(p.RetailCents, qty)
		default:
			line.Ambiguous = true
		}
	}
	line.RevenueCents = money.Times(line.UnitRetail, qty)
	line.CostCents = money.Times(line.UnitCostCents, qty)
	return line
}

func near(got, want int64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff*100 < want
}

func costLabor(l tekmetric.Labor, rates *RateBook) LaborLine {
	rate, source := rates.Resolve(l.TechnicianID, l.TechnicianRateCents)
	return LaborLine{
		Labor:         l,
		RevenueCents:  l.Total(),
		CostRateCents: rate,
		CostCents:     money.Times(rate, l.Hours),
		RateSource:    source,
	}
}

// chargeFee resolves a fee against the job subtotal. Fees are pure margin
// unless upstream marks them cost-bearing.
func chargeFee(f tekmetric.Fee, subtotal int64) FeeLine {
	amount := f.AmountCents
	switch {
	case f.TotalPresent:
		amount = f.TotalCents
	case f.Percentage > 0 && subtotal > 0:
		amount = money.Times(subtotal, f.Percentage/100)
		if f.CapCents > 0 && amount > f.CapCents {
			amount = f.CapCents
		}
	}
	line := FeeLine{Fee: f, RevenueCents: amount}
	if f.CostBearing {
		line.CostCents = amount
	}
	return line
}
