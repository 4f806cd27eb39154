package gp

// DefaultTechRateCents is the cost rate used when neither the assigned
// technician nor the shop average is known ($25/hr).
const DefaultTechRateCents int64 = 2500

// RateSource records how a labor line's cost rate was determined.
type RateSource string

const (
	RateAssigned    RateSource = "assigned"
	RateShopAverage RateSource = "shop_average"
	RateDefault     RateSource = "default"
)

// Technician is the slice of an employee the rate book needs.
type Technician struct {
	ID        int64
	RateCents int64
	Active    bool
}

// RateBook resolves technician cost rates. It is plain data so it can be
// cached as JSON between runs.
type RateBook struct {
	Rates   map[int64]int64 `json:"rates"`
	Average int64           `json:"average"`
	Default int64           `json:"default"`
}

// NewRateBook indexes the known technician rates. The shop average is the
// truncated mean over active technicians with a positive rate.
func NewRateBook(techs []Technician, defaultRate int64) *RateBook {
	if defaultRate <= 0 {
		defaultRate = DefaultTechRateCents
	}
	book := &RateBook{Rates: make(map[int64]int64, len(techs)), Default: defaultRate}
	var sum, n int64
	for _, t := range techs {
		if t.RateCents <= 0 {
			continue
		}
		book.Rates[t.ID] = t.RateCents
		if t.Active {
			sum += t.RateCents
			n++
		}
	}
	if n > 0 {
		book.Average = sum / n
	}
	return book
}

// Resolve walks the fallback chain: the rate carried on the labor line, then
// the assigned technician's known rate, then the shop average, then the
// default. A nil book resolves straight to the package default.
func (b *RateBook) Resolve(techID, lineRate int64) (int64, RateSource) {
	if lineRate > 0 {
		return lineRate, RateAssigned
	}
	if b == nil {
		return DefaultTechRateCents, RateDefault
	}
	if techID != 0 {
		if rate, ok := b.Rates[techID]; ok && rate > 0 {
			return rate, RateAssigned
		}
	}
	if b.Average > 0 {
		return b.Average, RateShopAverage
	}
	if b.Default > 0 {
		return b.Default, RateDefault
	}
	return DefaultTechRateCents, RateDefault
}
