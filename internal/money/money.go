// Package money holds the integer-cents helpers shared by ingestion,
// reconciliation and aggregation. Upstream payloads emit integer and
// currency fields as floats or float-like strings ("17950.0"), so every
// such field passes through SafeInt or SafeCents exactly once.
package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// SafeInt truncates an upstream numeric value to an int64. The second return
// is false when the value is absent, null, non-numeric, not finite or
// outside the int64 range.
func SafeInt(v any) (int64, bool) {
	d, ok := toDecimal(v, false)
	if !ok {
		return 0, false
	}
	return intPart(d)
}

// SafeCents is SafeInt for currency fields. It also tolerates "$" and
// thousands separators in string values.
func SafeCents(v any) (int64, bool) {
	d, ok := toDecimal(v, true)
	if !ok {
		return 0, false
	}
	return intPart(d)
}

// SafeFloat converts an upstream numeric value (hours, quantities, margins).
func SafeFloat(v any) (float64, bool) {
	d, ok := toDecimal(v, false)
	if !ok {
		return 0, false
	}
	return d.InexactFloat64(), true
}

// maxExponent bounds the decimal exponent accepted from a string. Anything
// beyond it is out of int64 range or below a cent by many orders.
const maxExponent = 40

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// intPart truncates d and rejects values that do not fit an int64.
func intPart(d decimal.Decimal) (int64, bool) {
	d = d.Truncate(0)
	if d.GreaterThan(maxInt64) || d.LessThan(minInt64) {
		return 0, false
	}
	return d.IntPart(), true
}

func toDecimal(v any, currency bool) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return val, true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int32:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case json.Number:
		return fromString(val.String(), currency)
	case string:
		return fromString(val, currency)
	case bool:
		return decimal.Zero, false
	default:
		return decimal.Zero, false
	}
}

func fromFloat(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

func fromString(s string, currency bool) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if currency {
		s = strings.ReplaceAll(s, ",", "")
		s = strings.Replace(s, "$", "", 1)
	}
	switch strings.ToLower(s) {
	case "", "null", "nan", "inf", "+inf", "-inf", "infinity":
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		return decimal.Zero, false
	}
	return d, true
}

// Format renders cents as dollars: 17950 -> "$179.50", 1795000 -> "$17,950.00".
func Format(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%s.%02d", sign, humanize.Comma(cents/100), cents%100)
}

// Percent returns part/whole*100 rounded to two places, or 0 when whole is 0.
func Percent(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return decimal.NewFromInt(part).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(whole), 4).
		Round(2).
		InexactFloat64()
}

// PerHour divides cents by hours, truncating to whole cents. Zero hours yields 0.
func PerHour(cents int64, hours float64) int64 {
	if hours <= 0 || math.IsNaN(hours) {
		return 0
	}
	return decimal.NewFromInt(cents).Div(decimal.NewFromFloat(hours)).Truncate(0).IntPart()
}

// Times multiplies a cents rate by a fractional quantity (hours, units),
// truncating toward zero.
func Times(cents int64, qty float64) int64 {
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	return decimal.NewFromInt(cents).Mul(decimal.NewFromFloat(qty)).Truncate(0).IntPart()
}

// Round2 rounds a float to two decimal places.
func Round2(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}
