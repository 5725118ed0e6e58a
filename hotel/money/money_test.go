package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDecimalRoundsHalfUp(t *testing.T) {
	assert.Equal(t, Cents(1235), FromDecimal(decimal.RequireFromString("12.345")))
	assert.Equal(t, Cents(1234), FromDecimal(decimal.RequireFromString("12.344")))
	assert.Equal(t, Cents(-1235), FromDecimal(decimal.RequireFromString("-12.345")))
}

func TestParse(t *testing.T) {
	c, err := Parse(" 99.9 ")
	require.NoError(t, err)
	assert.Equal(t, Cents(9990), c)
	_, err = Parse("nine")
	assert.Error(t, err)
}

func TestApplyRate(t *testing.T) {
	rate := decimal.RequireFromString("0.19")
	assert.Equal(t, Cents(190), Cents(1000).ApplyRate(rate))
	// 0.19 * 1005 = 190.95
	assert.Equal(t, Cents(191), Cents(1005).ApplyRate(rate))
	// 0.07 * 50 = 3.5
	assert.Equal(t, Cents(4), Cents(50).ApplyRate(decimal.RequireFromString("0.07")))
}

func TestArithmetic(t *testing.T) {
	assert.Equal(t, Cents(3750), Cents(1250).MulQuantity(3))
	assert.Equal(t, 25.0, Cents(400).Percent(100))
	assert.Equal(t, 33.3, Cents(300).Percent(100))
	assert.Equal(t, 0.0, Cents(0).Percent(100))
	assert.Equal(t, int64(12), Cents(1299).Units())
	assert.Equal(t, "12.99", Cents(1299).String())
	assert.Equal(t, "-0.05", Cents(-5).String())
}
