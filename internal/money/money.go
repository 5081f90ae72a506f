// Package money converts between rupee strings and paise.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformed  = errors.New("malformed amount")
	ErrFractional = errors.New("amount has more than two decimal places")
)

var (
	hundred  = decimal.NewFromInt(100)
	maxPaise = decimal.NewFromInt(1 << 53)
)

// ParseRupees turns "12.50" into 1250 paise. Sub-paise precision is
// rejected, never rounded.
func ParseRupees(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrMalformed
	}
	p := d.Mul(hundred)
	if !p.Equal(p.Truncate(0)) {
		return 0, ErrFractional
	}
	if p.Abs().GreaterThan(maxPaise) {
		return 0, ErrMalformed
	}
	return p.IntPart(), nil
}

// Format renders paise as a fixed two-decimal rupee string.
func Format(paise int64) string {
	return decimal.New(paise, -2).StringFixed(2)
}
