package shared

import "github.com/shopspring/decimal"

// FitsNumeric reports whether d is stored by a NUMERIC(precision, scale)
// column unchanged: no digits beyond scale and no overflow of the integer part.
// Trailing zeros are ignored, so 1.5000 fits scale 2.
func FitsNumeric(d decimal.Decimal, precision, scale int32) bool {
	if !d.Equal(d.Truncate(scale)) {
		return false
	}
	return d.Abs().LessThan(decimal.New(1, precision-scale))
}
