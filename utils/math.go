// utils/math.go
package utils

import "github.com/shopspring/decimal"

// DefaultTick is the minimum price increment for US listed equities above $1.
var DefaultTick = decimal.RequireFromString("0.01")

// RoundToTick rounds a price to the nearest multiple of tick.
// A non-positive tick leaves the price untouched.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// AbsInt64 returns the absolute value of a signed share count.
func AbsInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// CeilDiv divides two positive integers rounding up.
func CeilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
