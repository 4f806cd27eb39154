package tekmetric

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davefmurray/tm-fastapi-backend/internal/money"
)

// ErrMalformed marks a single entity payload that could not be normalized.
var ErrMalformed = errors.New("malformed upstream payload")

// record is a decoded JSON object with lenient typed accessors. Numbers are
// kept as json.Number so money.SafeInt / SafeCents see the exact text.
type record map[string]any

func decodeRecord(raw []byte) (record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return record{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return record(out), nil
}

// decodeList accepts either a bare array or a page object holding "content".
func decodeList(raw []byte) ([]record, record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, record{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var anyVal any
	if err := dec.Decode(&anyVal); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch v := anyVal.(type) {
	case []any:
		return toRecords(v), record{}, nil
	case map[string]any:
		page := record(v)
		return page.list("content"), page, nil
	default:
		return nil, nil, fmt.Errorf("%w: unexpected list payload", ErrMalformed)
	}
}

func toRecords(items []any) []record {
	out := make([]record, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, record(m))
		}
	}
	return out
}

func (r record) present(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

func (r record) str(keys ...string) string {
	for _, key := range keys {
		switch v := r[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (r record) integer(keys ...string) (int64, bool) {
	for _, key := range keys {
		if v, ok := money.SafeInt(r[key]); ok {
			return v, true
		}
	}
	return 0, false
}

func (r record) id(keys ...string) int64 {
	v, _ := r.integer(keys...)
	return v
}

func (r record) cents(keys ...string) (int64, bool) {
	for _, key := range keys {
		if v, ok := money.SafeCents(r[key]); ok {
			return v, true
		}
	}
	return 0, false
}

func (r record) centsOr(fallback int64, keys ...string) int64 {
	if v, ok := r.cents(keys...); ok {
		return v
	}
	return fallback
}

func (r record) number(keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := money.SafeFloat(r[key]); ok {
			return v, true
		}
	}
	return 0, false
}

func (r record) flag(key string) (value bool, present bool) {
	switch v := r[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	case json.Number:
		return v.String() != "0", true
	}
	return false, false
}

func (r record) truthy(keys ...string) bool {
	for _, key := range keys {
		if v, ok := r.flag(key); ok && v {
			return true
		}
	}
	return false
}

func (r record) timestamp(keys ...string) *time.Time {
	for _, key := range keys {
		if t, ok := parseTime(r.str(key)); ok {
			return &t
		}
	}
	return nil
}

func (r record) object(keys ...string) record {
	for _, key := range keys {
		if m, ok := r[key].(map[string]any); ok {
			return record(m)
		}
	}
	return record{}
}

func (r record) list(keys ...string) []record {
	for _, key := range keys {
		if items, ok := r[key].([]any); ok {
			return toRecords(items)
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func hoursTimesRate(hours float64, rate int64) int64 {
	return money.Times(rate, hours)
}

func requireID(r record, kind string) (int64, error) {
	id, ok := r.integer("id")
	if !ok || id <= 0 {
		return 0, fmt.Errorf("%w: %s without id", ErrMalformed, kind)
	}
	return id, nil
}

func decodeShop(r record) (Shop, error) {
	id, err := requireID(r, "shop")
	if err != nil {
		return Shop{}, err
	}
	return Shop{
		ID:       id,
		Name:     r.str("name", "nickname"),
		Timezone: r.str("timeZoneId", "timezone", "timeZone"),
	}, nil
}

func decodeEmployee(r record) (Employee, error) {
	id, err := requireID(r, "employee")
	if err != nil {
		return Employee{}, err
	}
	e := Employee{
		ID:        id,
		FirstName: r.str("firstName"),
		LastName:  r.str("lastName"),
		Email:     r.str("email"),
		Role:      normalizeRole(r),
		UpdatedAt: r.timestamp("updatedDate"),
		Active:    !r.truthy("disabled", "deactivated"),
	}
	e.HourlyRateCents, _ = r.cents("hourlyRate")
	if v, ok := r.flag("canPerformWork"); ok {
		e.CanPerformWork = v
	} else {
		e.CanPerformWork = e.Role == RoleTechnician
	}
	return e, nil
}

func normalizeRole(r record) Role {
	roleObj := r.object("employeeRole")
	code, ok := roleObj.integer("id", "code")
	if !ok {
		code, ok = r.integer("role", "employeeRoleId")
	}
	if ok {
		switch code {
		case 1:
			return RoleAdmin
		case 2:
			return RoleAdvisor
		case 3:
			return RoleTechnician
		case 4:
			return RoleOwner
		}
	}
	switch strings.ToLower(roleObj.str("code", "name")) {
	case "admin":
		return RoleAdmin
	case "advisor", "service advisor", "service_advisor":
		return RoleAdvisor
	case "tech", "technician":
		return RoleTechnician
	case "owner":
		return RoleOwner
	}
	return RoleOther
}

func decodeCustomer(r record) (Customer, error) {
	id, err := requireID(r, "customer")
	if err != nil {
		return Customer{}, err
	}
	c := Customer{
		ID:          id,
		FirstName:   r.str("firstName"),
		LastName:    r.str("lastName"),
		CompanyName: r.str("companyName"),
		Email:       r.str("email"),
		UpdatedAt:   r.timestamp("updatedDate"),
	}
	// email may arrive as a list of addresses
	if c.Email == "" {
		if items, ok := r["email"].([]any); ok && len(items) > 0 {
			if s, ok := items[0].(string); ok {
				c.Email = strings.TrimSpace(s)
			}
		}
	}
	phones := r.list("phone")
	for _, p := range phones {
		if p.truthy("primary") {
			c.Phone = p.str("number")
			break
		}
	}
	if c.Phone == "" && len(phones) > 0 {
		c.Phone = phones[0].str("number")
	}
	return c, nil
}

func decodeVehicle(r record) (Vehicle, error) {
	id, err := requireID(r, "vehicle")
	if err != nil {
		return Vehicle{}, err
	}
	v := Vehicle{
		ID:           id,
		CustomerID:   r.id("customerId"),
		VIN:          r.str("vin"),
		LicensePlate: r.str("licensePlate"),
		UpdatedAt:    r.timestamp("updatedDate"),
	}
	v.Year, _ = r.integer("year")
	v.Make = nestedName(r, "make")
	v.Model = nestedName(r, "model")
	return v, nil
}

// nestedName reads fields that arrive as either "Ford" or {"id":1,"name":"Ford"}.
func nestedName(r record, key string) string {
	if s := r.str(key); s != "" {
		return s
	}
	return r.object(key).str("name")
}

func decodeRepairOrder(r record) (RepairOrder, error) {
	id, ok := r.integer("id", "repairOrderId")
	if !ok || id <= 0 {
		return RepairOrder{}, fmt.Errorf("%w: repair order without id", ErrMalformed)
	}
	ro := RepairOrder{
		ID:          id,
		Number:      r.id("repairOrderNumber", "roNumber"),
		Status:      normalizeStatus(r),
		CustomerID:  r.id("customerId"),
		VehicleID:   r.id("vehicleId"),
		AdvisorID:   r.id("serviceWriterId"),
		UpdatedAt:   r.timestamp("updatedDate"),
		PostedAt:    r.timestamp("postedDate"),
		CompletedAt: r.timestamp("completedDate"),
	}
	if ro.CustomerID == 0 {
		ro.CustomerID = r.object("customer").id("id")
	}
	if ro.VehicleID == 0 {
		ro.VehicleID = r.object("vehicle").id("id")
	}
	if ro.AdvisorID == 0 {
		ro.AdvisorID = r.object("serviceWriter", "serviceAdvisor").id("id")
	}
	return ro, nil
}

func normalizeStatus(r record) OrderStatus {
	statusObj := r.object("repairOrderStatus")
	code, ok := statusObj.integer("id")
	if !ok {
		code, ok = r.integer("repairOrderStatusId")
	}
	if ok {
		switch code {
		case 1:
			return StatusEstimate
		case 2, 4:
			return StatusInProgress
		case 3:
			return StatusComplete
		case 5, 6:
			return StatusPosted
		case 7:
			return StatusVoid
		}
	}
	label := statusObj.str("code", "name")
	if label == "" {
		label = r.str("repairOrderStatus", "status")
	}
	switch strings.ToUpper(strings.ReplaceAll(label, " ", "")) {
	case "ESTIMATE":
		return StatusEstimate
	case "COMPLETE", "COMPLETED":
		return StatusComplete
	case "POSTED", "ACCRECV", "ACCOUNTSRECEIVABLE":
		return StatusPosted
	case "VOID", "DELETED":
		return StatusVoid
	}
	return StatusInProgress
}

func decodeEstimate(r record) Estimate {
	est := Estimate{
		TaxCents:      r.centsOr(0, "taxes", "tax"),
		DiscountCents: r.centsOr(0, "discountTotal"),
	}
	for _, jr := range r.list("jobs") {
		job, err := decodeJob(jr)
		if err != nil {
			est.SkippedJobs++
			continue
		}
		est.Jobs = append(est.Jobs, job)
	}
	return est
}

func decodeJob(r record) (Job, error) {
	id, err := requireID(r, "job")
	if err != nil {
		return Job{}, err
	}
	job := Job{
		ID:           id,
		Name:         r.str("name"),
		AuthorizedAt: r.timestamp("authorizedDate"),
		Declined:     r.truthy("declined"),
	}
	job.Authorized, _ = r.flag("authorized")
	if job.Name == "" {
		job.Name = fmt.Sprintf("Job %d", id)
	}
	if v, ok := r.cents("subtotal", "subTotal", "total"); ok {
		job.TotalCents = v
		job.SubtotalPresent = true
	}
	for _, pr := range r.list("parts") {
		job.Parts = append(job.Parts, decodePart(pr))
	}
	for _, lr := range r.list("labor") {
		job.Labor = append(job.Labor, decodeLabor(lr))
	}
	for _, sr := range r.list("sublets") {
		job.Sublets = append(job.Sublets, decodeSublet(sr))
	}
	for _, fr := range r.list("fees") {
		job.Fees = append(job.Fees, decodeFee(fr))
	}
	return job, nil
}

func decodePart(r record) Part {
	p := Part{
		ID:          r.id("id"),
		Name:        r.str("name", "brand"),
		RetailCents: r.centsOr(0, "retail"),
		CostCents:   r.centsOr(0, "cost"),
		TotalCents:  r.centsOr(0, "total"),
	}
	if p.Name == "" {
		p.Name = "Unnamed Part"
	}
	p.Quantity, _ = r.number("quantity")
	if p.Quantity <= 0 {
		p.Quantity = 1
	}
	return p
}

func decodeLabor(r record) Labor {
	tech := r.object("technician")
	l := Labor{
		ID:             r.id("id"),
		Name:           r.str("name"),
		RateCents:      r.centsOr(0, "rate"),
		TechnicianID:   tech.id("id"),
		TechnicianName: tech.str("fullName"),
	}
	if l.TechnicianID == 0 {
		l.TechnicianID = r.id("technicianId")
	}
	if l.TechnicianName == "" {
		l.TechnicianName = joinName(tech.str("firstName"), tech.str("lastName"))
	}
	l.TechnicianRateCents, _ = tech.cents("hourlyRate")
	if l.Name == "" {
		l.Name = "Labor"
	}
	l.Hours, _ = r.number("hours")
	l.TotalCents, l.TotalPresent = r.cents("total")
	return l
}

func decodeSublet(r record) Sublet {
	s := Sublet{
		ID:          r.id("id"),
		Name:        r.str("name"),
		RetailCents: r.centsOr(0, "retail", "price"),
		CostCents:   r.centsOr(0, "cost"),
	}
	if s.Name == "" {
		s.Name = "Sublet"
	}
	return s
}

func decodeFee(r record) Fee {
	f := Fee{
		ID:          r.id("id"),
		Name:        r.str("name"),
		AmountCents: r.centsOr(0, "amount"),
		CapCents:    r.centsOr(0, "cap"),
	}
	if f.Name == "" {
		f.Name = "Fee"
	}
	f.Type = ClassifyFee(f.Name)
	f.Percentage, _ = r.number("percentage")
	f.TotalCents, f.TotalPresent = r.cents("total")
	taxable, taxPresent := r.flag("taxable")
	f.Taxable = taxable
	f.CostBearing = r.truthy("costBearing", "passThrough") || (taxPresent && !taxable)
	return f
}

// ClassifyFee maps a fee name onto the fee type vocabulary.
func ClassifyFee(name string) FeeType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "shop") || strings.Contains(n, "supply") || strings.Contains(n, "supplies"):
		return FeeShopSupplies
	case strings.Contains(n, "epa") || strings.Contains(n, "environ"):
		return FeeEnvironmental
	case strings.Contains(n, "dispos"):
		return FeeDisposal
	case strings.Contains(n, "hazmat") || strings.Contains(n, "hazard"):
		return FeeHazmat
	default:
		return FeeOther
	}
}

func decodeProfit(r record) ProfitSummary {
	var ps ProfitSummary
	total := r.object("totalProfit")
	if retail, ok := total.cents("retail"); ok {
		ps.HasTotals = true
		ps.RetailCents = retail
		ps.CostCents = total.centsOr(0, "cost")
		if profit, ok := total.cents("profit"); ok {
			ps.ProfitCents = profit
		} else {
			ps.ProfitCents = retail - ps.CostCents
		}
		ps.MarginPercent = marginPercent(total)
	}
	labor := r.object("laborProfit")
	if retail, ok := labor.cents("retail"); ok {
		ps.HasLabor = true
		ps.LaborRetailCents = retail
		ps.LaborCostCents = labor.centsOr(0, "cost")
		if profit, ok := labor.cents("profit"); ok {
			ps.LaborProfitCents = profit
		} else {
			ps.LaborProfitCents = retail - ps.LaborCostCents
		}
		ps.LaborHours, _ = labor.number("hours")
		ps.LaborMarginPercent = marginPercent(labor)
	}
	return ps
}

// marginPercent converts the upstream margin fraction into percentage points.
// "NaN" and absent margins yield nil.
func marginPercent(r record) *float64 {
	f, ok := r.number("margin")
	if !ok {
		return nil
	}
	pct := money.Round2(f * 100)
	return &pct
}
