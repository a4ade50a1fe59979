package types

import "github.com/shopspring/decimal"

// RoundPrice rounds a price to the symbol's price precision. Decimal rounding
// avoids the float drift of naive multiply-round-divide at high precisions.
func RoundPrice(v float64, precision int) float64 {
	r, _ := decimal.NewFromFloat(v).Round(int32(precision)).Float64()
	return r
}

// RoundStep rounds an amount down to a multiple of step. A zero step leaves
// the amount untouched.
func RoundStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	r, _ := d.Div(s).Floor().Mul(s).Float64()
	return r
}
