// Package money represents amounts as integer cents. Rates and quantities are
// applied with decimal arithmetic and rounded half away from zero.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Cents is an amount in the smallest currency unit
type Cents int64

var hundred = decimal.NewFromInt(100)

// FromDecimal converts a currency amount, e.g. 12.345, to cents rounding half up
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// Parse parses a currency amount like "12.50"
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount '%s': %w", s, err)
	}
	return FromDecimal(d), nil
}

// Decimal returns the amount in currency units
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// MulQuantity returns the amount multiplied by an integer quantity
func (c Cents) MulQuantity(quantity int) Cents {
	return c * Cents(quantity)
}

// ApplyRate returns amount times rate, e.g. a tax rate of 0.19, rounded half up
func (c Cents) ApplyRate(rate decimal.Decimal) Cents {
	return Cents(decimal.NewFromInt(int64(c)).Mul(rate).Round(0).IntPart())
}

// Percent returns part as percentage of c with one decimal, 0 when c is zero
func (c Cents) Percent(part Cents) float64 {
	if c == 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(c))).Round(1).Float64()
	return f
}

// Units returns whole currency units, truncated towards zero
func (c Cents) Units() int64 {
	return int64(c) / 100
}

// String formats the amount with two decimals, e.g. "-12.05"
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}
