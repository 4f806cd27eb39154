package money

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "$179.50", Format(17950))
	assert.Equal(t, "$0.05", Format(5))
	assert.Equal(t, "$0.00", Format(0))
	assert.Equal(t, "$17,950.00", Format(1795000))
	assert.Equal(t, "-$80.00", Format(-8000))
}

func TestSafeCentsTruncatesFloatPollution(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{17950.0, 17950},
		{"17950.0", 17950},
		{"17950.99", 17950},
		{json.Number("26925"), 26925},
		{int64(12000), 12000},
		{"$1,234.00", 1234},
		{-150.7, -150},
	}
	for _, c := range cases {
		got, ok := SafeCents(c.in)
		assert.True(t, ok, "input %v", c.in)
		assert.Equal(t, c.want, got, "input %v", c.in)
	}
}

func TestSafeIntRejectsMalformed(t *testing.T) {
	for _, in := range []any{nil, "", "NaN", "abc", math.NaN(), math.Inf(1), true, map[string]any{}} {
		_, ok := SafeInt(in)
		assert.False(t, ok, "input %v", in)
	}
	_, ok := SafeInt("$12")
	assert.False(t, ok)
}

func TestSafeCentsRejectsOutOfRange(t *testing.T) {
	for _, in := range []any{"1e20", 1e19, -1e19, json.Number("9223372036854775808"), "1e400000000", "1e-400000000", "-$99,999,999,999,999,999,999"} {
		_, ok := SafeCents(in)
		assert.False(t, ok, "input %v", in)
		_, ok = SafeInt(in)
		assert.False(t, ok, "input %v", in)
	}

	v, ok := SafeInt(int64(math.MaxInt64))
	require.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), v)

	v, ok = SafeInt("-9223372036854775808.9")
	require.True(t, ok)
	assert.Equal(t, int64(math.MinInt64), v)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, Percent(500, 0))
	assert.Equal(t, 50.0, Percent(500, 1000))
	assert.Equal(t, 33.33, Percent(1, 3))
	assert.Equal(t, -10.0, Percent(-100, 1000))
}

func TestTimesAndPerHour(t *testing.T) {
	assert.Equal(t, int64(26925), Times(17950, 1.5))
	assert.Equal(t, int64(3750), Times(2500, 1.5))
	assert.Equal(t, int64(0), Times(2500, math.NaN()))
	assert.Equal(t, int64(17950), PerHour(26925, 1.5))
	assert.Equal(t, int64(0), PerHour(100, 0))
}
