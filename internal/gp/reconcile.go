// Package gp computes canonical revenue, cost and gross profit for a repair
// order. The all-jobs estimate gives the potential figures; the authorized
// figures come from the upstream profit aggregate when it has data and from
// the authorized jobs otherwise. The two are always labelled, never blended.
package gp

import (
	"sort"

	"github.com/davefmurray/tm-fastapi-backend/internal/money"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// disagreementCents is how far the local authorized job sum may drift from
// the upstream aggregate before the order is flagged.
const disagreementCents = 100

// AuthorizedSource records where authorized revenue came from.
type AuthorizedSource string

const (
	SourceUpstreamAggregate AuthorizedSource = "upstream_aggregate"
	SourceJobSum            AuthorizedSource = "job_sum"
)

// ProfitSource records where authorized cost and profit came from.
type ProfitSource string

const (
	ProfitUpstream  ProfitSource = "upstream_profit"
	ProfitEstimated ProfitSource = "estimated"
)

// Rollup is one metric set for an order or a job.
type Rollup struct {
	JobCount int `json:"job_count"`

	RevenueCents int64 `json:"revenue_cents"`
	CostCents    int64 `json:"cost_cents"`
	ProfitCents  int64 `json:"profit_cents"`

	PartsRevenueCents  int64 `json:"parts_revenue_cents"`
	PartsCostCents     int64 `json:"parts_cost_cents"`
	PartsProfitCents   int64 `json:"parts_profit_cents"`
	LaborRevenueCents  int64 `json:"labor_revenue_cents"`
	LaborCostCents     int64 `json:"labor_cost_cents"`
	LaborProfitCents   int64 `json:"labor_profit_cents"`
	SubletRevenueCents int64 `json:"sublet_revenue_cents"`
	SubletCostCents    int64 `json:"sublet_cost_cents"`
	SubletProfitCents  int64 `json:"sublet_profit_cents"`
	FeesRevenueCents   int64 `json:"fees_revenue_cents"`
	FeesCostCents      int64 `json:"fees_cost_cents"`
	FeesProfitCents    int64 `json:"fees_profit_cents"`

	LaborHours float64 `json:"labor_hours"`
}

// GPPercent is profit over revenue; zero revenue yields 0.
func (r Rollup) GPPercent() float64 {
	return money.Percent(r.ProfitCents, r.RevenueCents)
}

// Add accumulates o into r.
func (r *Rollup) Add(o Rollup) {
	r.JobCount += o.JobCount
	r.RevenueCents += o.RevenueCents
	r.CostCents += o.CostCents
	r.ProfitCents += o.ProfitCents
	r.PartsRevenueCents += o.PartsRevenueCents
	r.PartsCostCents += o.PartsCostCents
	r.PartsProfitCents += o.PartsProfitCents
	r.LaborRevenueCents += o.LaborRevenueCents
	r.LaborCostCents += o.LaborCostCents
	r.LaborProfitCents += o.LaborProfitCents
	r.SubletRevenueCents += o.SubletRevenueCents
	r.SubletCostCents += o.SubletCostCents
	r.SubletProfitCents += o.SubletProfitCents
	r.FeesRevenueCents += o.FeesRevenueCents
	r.FeesCostCents += o.FeesCostCents
	r.FeesProfitCents += o.FeesProfitCents
	r.LaborHours += o.LaborHours
}

// settle derives totals and profits from the per-category revenue and cost.
func (r *Rollup) settle() {
	r.PartsProfitCents = r.PartsRevenueCents - r.PartsCostCents
	r.LaborProfitCents = r.LaborRevenueCents - r.LaborCostCents
	r.SubletProfitCents = r.SubletRevenueCents - r.SubletCostCents
	r.FeesProfitCents = r.FeesRevenueCents - r.FeesCostCents
	r.RevenueCents = r.PartsRevenueCents + r.LaborRevenueCents + r.SubletRevenueCents + r.FeesRevenueCents
	r.CostCents = r.PartsCostCents + r.LaborCostCents + r.SubletCostCents + r.FeesCostCents
	r.ProfitCents = r.RevenueCents - r.CostCents
}

// Diagnostics are the conditions that explain a variance against upstream.
type Diagnostics struct {
	RateFallbackUsed     bool `json:"rate_fallback_used"`
	QuantityAmbiguous    bool `json:"quantity_ambiguous"`
	FeeIncluded          bool `json:"fee_included"`
	SubtotalNull         bool `json:"subtotal_null"`
	EndpointDisagreement bool `json:"endpoint_disagreement"`
}

// JobFigures is one job with every line priced.
type JobFigures struct {
	Job     tekmetric.Job
	Parts   []PartLine
	Labor   []LaborLine
	Sublets []tekmetric.Sublet
	Fees    []FeeLine
	Totals  Rollup
}

// Result is the reconciled view of one order.
type Result struct {
	Jobs []JobFigures

	Potential  Rollup
	Authorized Rollup
	// Estimated prices the authorized jobs locally. It equals Authorized on
	// the job-sum path and is what variance is measured on.
	Estimated Rollup

	PendingRevenueCents int64
	AuthorizedSource    AuthorizedSource
	ProfitSource        ProfitSource
	UpstreamGPPercent   *float64

	TaxCents      int64
	DiscountCents int64
	Diagnostics   Diagnostics
}

// GPPercent is the canonical authorized gross profit percentage.
func (r Result) GPPercent() float64 {
	return r.Authorized.GPPercent()
}

// Reconcile prices every job of the estimate and derives the potential and
// authorized metric sets. profit may be nil when the profit endpoint had
// nothing for the order; rates may be nil.
func Reconcile(est tekmetric.Estimate, profit *tekmetric.ProfitSummary, rates *RateBook) Result {
	res := Result{
		AuthorizedSource: SourceJobSum,
		ProfitSource:     ProfitEstimated,
		TaxCents:         est.TaxCents,
		DiscountCents:    est.DiscountCents,
	}

	for _, job := range est.Jobs {
		jf := priceJob(job, rates)
		res.Jobs = append(res.Jobs, jf)
		res.Potential.Add(jf.Totals)
		if !job.Authorized {
			continue
		}
		res.Estimated.Add(jf.Totals)
		res.Diagnostics.observe(jf)
	}

	res.Authorized = res.Estimated
	if profit != nil && profit.HasTotals {
		res.AuthorizedSource = SourceUpstreamAggregate
		res.ProfitSource = ProfitUpstream
		res.Authorized = fromUpstream(*profit, res.Estimated)
		if abs(res.Estimated.RevenueCents-profit.RetailCents) > disagreementCents {
			res.Diagnostics.EndpointDisagreement = true
		}
	}
	res.UpstreamGPPercent = upstreamMargin(profit)

	if lift(&res.Potential, res.Authorized) {
		res.Diagnostics.EndpointDisagreement = true
	}
	res.PendingRevenueCents = res.Potential.RevenueCents - res.Authorized.RevenueCents
	return res
}

func priceJob(job tekmetric.Job, rates *RateBook) JobFigures {
	jf := JobFigures{Job: job, Sublets: job.Sublets}
	t := Rollup{JobCount: 1}

	for _, p := range job.Parts {
		line := priceLine(p)
		jf.Parts = append(jf.Parts, line)
		t.PartsRevenueCents += line.RevenueCents
		t.PartsCostCents += line.CostCents
	}
	for _, l := range job.Labor {
		line := costLabor(l, rates)
		jf.Labor = append(jf.Labor, line)
		t.LaborRevenueCents += line.RevenueCents
		t.LaborCostCents += line.CostCents
		t.LaborHours += l.Hours
	}
	for _, s := range job.Sublets {
		t.SubletRevenueCents += s.RetailCents
		t.SubletCostCents += s.CostCents
	}

	subtotal := t.PartsRevenueCents + t.LaborRevenueCents + t.SubletRevenueCents
	if job.SubtotalPresent {
		subtotal = job.TotalCents
	}
	for _, f := range job.Fees {
		line := chargeFee(f, subtotal)
		jf.Fees = append(jf.Fees, line)
		t.FeesRevenueCents += line.RevenueCents
		t.FeesCostCents += line.CostCents
	}

	t.settle()
	jf.Totals = t
	return jf
}

func (d *Diagnostics) observe(jf JobFigures) {
	if !jf.Job.SubtotalPresent {
		d.SubtotalNull = true
	}
	for _, p := range jf.Parts {
		if p.Ambiguous {
			d.QuantityAmbiguous = true
		}
	}
	for _, l := range jf.Labor {
		if l.RateSource != RateAssigned {
			d.RateFallbackUsed = true
		}
	}
	for _, f := range jf.Fees {
		if f.RevenueCents > 0 {
			d.FeeIncluded = true
		}
	}
}

// fromUpstream builds the authorized set from the profit endpoint. Only
// labor and total are broken out upstream, so parts absorb everything that
// is not labor.
func fromUpstream(ps tekmetric.ProfitSummary, local Rollup) Rollup {
	r := Rollup{
		JobCount:     local.JobCount,
		RevenueCents: ps.RetailCents,
		CostCents:    ps.CostCents,
		ProfitCents:  ps.ProfitCents,
	}
	if ps.HasLabor {
		r.LaborRevenueCents = ps.LaborRetailCents
		r.LaborCostCents = ps.LaborCostCents
		r.LaborProfitCents = ps.LaborProfitCents
		r.LaborHours = ps.LaborHours
	} else {
		r.LaborRevenueCents = local.LaborRevenueCents
		r.LaborCostCents = local.LaborCostCents
		r.LaborProfitCents = local.LaborProfitCents
		r.LaborHours = local.LaborHours
	}
	r.PartsRevenueCents = r.RevenueCents - r.LaborRevenueCents
	r.PartsCostCents = r.CostCents - r.LaborCostCents
	r.PartsProfitCents = r.ProfitCents - r.LaborProfitCents
	return r
}

func upstreamMargin(ps *tekmetric.ProfitSummary) *float64 {
	if ps == nil || !ps.HasTotals {
		return nil
	}
	if ps.MarginPercent != nil {
		v := *ps.MarginPercent
		return &v
	}
	if ps.RetailCents == 0 {
		return nil
	}
	v := money.Percent(ps.ProfitCents, ps.RetailCents)
	return &v
}

// lift raises the potential totals to the authorized ones and reports
// whether revenue had to move. Categories stay as priced locally: upstream
// folds sublet and fees into parts, so a per-category lift would count them
// twice.
func lift(p *Rollup, a Rollup) bool {
	revenueLifted := a.RevenueCents > p.RevenueCents
	if revenueLifted {
		p.RevenueCents = a.RevenueCents
	}
	if a.CostCents > p.CostCents {
		p.CostCents = a.CostCents
	}
	p.ProfitCents = p.RevenueCents - p.CostCents
	if a.LaborHours > p.LaborHours {
		p.LaborHours = a.LaborHours
	}
	if a.JobCount > p.JobCount {
		p.JobCount = a.JobCount
	}
	return revenueLifted
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// TechnicianLabor is the authorized labor attributed to one technician.
type TechnicianLabor struct {
	TechnicianID int64   `json:"technician_id"`
	Name         string  `json:"name,omitempty"`
	Lines        int     `json:"lines"`
	Hours        float64 `json:"hours"`
	RevenueCents int64   `json:"revenue_cents"`
	CostCents    int64   `json:"cost_cents"`
}

// Technicians groups authorized labor by technician. Unassigned labor is
// reported under technician 0.
func (r Result) Technicians() []TechnicianLabor {
	byID := make(map[int64]*TechnicianLabor)
	for _, jf := range r.Jobs {
		if !jf.Job.Authorized {
			continue
		}
		for _, l := range jf.Labor {
			t, ok := byID[l.Labor.TechnicianID]
			if !ok {
				t = &TechnicianLabor{TechnicianID: l.Labor.TechnicianID}
				byID[l.Labor.TechnicianID] = t
			}
			if t.Name == "" {
				t.Name = l.Labor.TechnicianName
			}
			t.Lines++
			t.Hours += l.Labor.Hours
			t.RevenueCents += l.RevenueCents
			t.CostCents += l.CostCents
		}
	}
	out := make([]TechnicianLabor, 0, len(byID))
	for _, t := range byID {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TechnicianID < out[j].TechnicianID })
	return out
}
