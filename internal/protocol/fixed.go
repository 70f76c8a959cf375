package protocol

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Fixed-point scales used by the protocol.
const (
	RateDecimals   int32 = 12 // b_rate, d_rate
	FactorDecimals int32 = 7  // collateral and liability factors, utilization, APRs
)

var rateScalar = decimal.New(1, RateDecimals)

// ParseFixed parses an integer string (i128 on chain) into a decimal.
func ParseFixed(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	if !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("parse fixed %q: not an integer", s)
	}
	return d, nil
}

// ToFloat scales a raw integer down by decimals.
func ToFloat(raw decimal.Decimal, decimals int32) float64 {
	f, _ := raw.Shift(-decimals).Float64()
	return f
}

// RateToFloat converts a raw 12-decimal rate to a float.
func RateToFloat(raw decimal.Decimal) float64 {
	return ToFloat(raw, RateDecimals)
}

// BTokensToUnderlying converts raw b-tokens to underlying units, rounding down as the
// protocol does for supply.
func BTokensToUnderlying(bTokens, bRate decimal.Decimal, decimals int32) float64 {
	raw := bTokens.Mul(bRate).Div(rateScalar).Floor()
	return ToFloat(raw, decimals)
}

// DTokensToUnderlying converts raw d-tokens to underlying units, rounding up as the
// protocol does for liabilities.
func DTokensToUnderlying(dTokens, dRate decimal.Decimal, decimals int32) float64 {
	raw := dTokens.Mul(dRate).Div(rateScalar).Ceil()
	return ToFloat(raw, decimals)
}
