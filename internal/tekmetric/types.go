package tekmetric

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed employee role vocabulary.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAdvisor    Role = "advisor"
	RoleTechnician Role = "technician"
	RoleOwner      Role = "owner"
	RoleOther      Role = "other"
)

// OrderStatus is the closed repair order status vocabulary.
type OrderStatus string

const (
	StatusEstimate   OrderStatus = "estimate"
	StatusInProgress OrderStatus = "in_progress"
	StatusComplete   OrderStatus = "complete"
	StatusPosted     OrderStatus = "posted"
	StatusVoid       OrderStatus = "void"
)

// Terminal reports whether the status can produce a snapshot.
func (s OrderStatus) Terminal() bool {
	return s == StatusComplete || s == StatusPosted
}

// FeeType classifies fees by name.
type FeeType string

const (
	FeeShopSupplies  FeeType = "shop_supplies"
	FeeEnvironmental FeeType = "environmental"
	FeeDisposal      FeeType = "disposal"
	FeeHazmat        FeeType = "hazmat"
	FeeOther         FeeType = "other"
)

// Shop is the tenant root as reported upstream.
type Shop struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// Employee is a normalized employee payload.
type Employee struct {
	ID              int64
	FirstName       string
	LastName        string
	Email           string
	Role            Role
	HourlyRateCents int64
	CanPerformWork  bool
	Active          bool
	UpdatedAt       *time.Time
}

// Name returns "First Last", falling back to the email and then a placeholder.
func (e Employee) Name() string {
	if name := joinName(e.FirstName, e.LastName); name != "" {
		return name
	}
	if e.Email != "" {
		return e.Email
	}
	return fmt.Sprintf("Employee %d", e.ID)
}

// Customer is a normalized customer payload.
type Customer struct {
	ID          int64
	FirstName   string
	LastName    string
	CompanyName string
	Email       string
	Phone       string
	UpdatedAt   *time.Time
}

// Name falls back to the company name and then a placeholder.
func (c Customer) Name() string {
	if name := joinName(c.FirstName, c.LastName); name != "" {
		return name
	}
	if c.CompanyName != "" {
		return c.CompanyName
	}
	return fmt.Sprintf("Customer %d", c.ID)
}

// Vehicle is a normalized vehicle payload.
type Vehicle struct {
	ID           int64
	CustomerID   int64
	Year         int64
	Make         string
	Model        string
	VIN          string
	LicensePlate string
	UpdatedAt    *time.Time
}

// Name renders "year make model" or a placeholder.
func (v Vehicle) Name() string {
	var parts []string
	if v.Year > 0 {
		parts = append(parts, fmt.Sprint(v.Year))
	}
	for _, p := range []string{v.Make, v.Model} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Vehicle %d", v.ID)
	}
	return strings.Join(parts, " ")
}

// RepairOrder carries the order header. Discovery endpoints fill only part
// of it; the detail endpoint fills the rest.
type RepairOrder struct {
	ID          int64
	Number      int64
	Status      OrderStatus
	CustomerID  int64
	VehicleID   int64
	AdvisorID   int64
	UpdatedAt   *time.Time
	PostedAt    *time.Time
	CompletedAt *time.Time
	Board       string
}

// Estimate is the all-jobs view of an order.
type Estimate struct {
	Jobs          []Job
	TaxCents      int64
	DiscountCents int64
	// SkippedJobs counts malformed jobs dropped during normalization.
	SkippedJobs int
}

// Job is a normalized job with its line items.
type Job struct {
	ID              int64
	Name            string
	Authorized      bool
	AuthorizedAt    *time.Time
	Declined        bool
	TotalCents      int64
	SubtotalPresent bool
	Parts           []Part
	Labor           []Labor
	Sublets         []Sublet
	Fees            []Fee
}

// Part is a part line. RetailCents and CostCents are as sent upstream; the
// reconciliation engine decides whether they are per-unit.
type Part struct {
	ID          int64
	Name        string
	Quantity    float64
	RetailCents int64
	CostCents   int64
	TotalCents  int64
}

// Labor is a labor line.
type Labor struct {
	ID                  int64
	Name                string
	Hours               float64
	RateCents           int64
	TotalCents          int64
	TotalPresent        bool
	TechnicianID        int64
	TechnicianName      string
	TechnicianRateCents int64
}

// Total returns the line total, computing hours x rate when upstream omitted it.
func (l Labor) Total() int64 {
	if l.TotalPresent {
		return l.TotalCents
	}
	return hoursTimesRate(l.Hours, l.RateCents)
}

// Sublet is an outsourced work line.
type Sublet struct {
	ID          int64
	Name        string
	RetailCents int64
	CostCents   int64
}

// Fee is a fee line.
type Fee struct {
	ID           int64
	Name         string
	Type         FeeType
	AmountCents  int64
	Percentage   float64
	CapCents     int64
	TotalCents   int64
	TotalPresent bool
	Taxable      bool
	CostBearing  bool
}

// ProfitSummary is the authorized-only aggregate from the profit endpoint.
type ProfitSummary struct {
	HasTotals     bool
	RetailCents   int64
	CostCents     int64
	ProfitCents   int64
	MarginPercent *float64

	HasLabor           bool
	LaborHours         float64
	LaborRetailCents   int64
	LaborCostCents     int64
	LaborProfitCents   int64
	LaborMarginPercent *float64
}

func joinName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
