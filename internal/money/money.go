// Package money implements fixed-precision monetary arithmetic.
// Amounts, prices, and PnL are always integer minor units; nothing in
// this package or its callers stores a binary float for value.
package money

import (
	"fmt"
	"math/big"
)

// Amount is an integer count of minor units (lamports, wei, satoshis
// -- whatever the token's smallest indivisible unit is). Negative
// values are valid and used for PnL.
type Amount int64

// BPS is basis points, 1/100th of a percent. 10000 BPS = 100%.
type BPS uint32

const bpsDenominator = 10000

// ApplyBPS returns amount * bps / 10000, rounding toward zero, the
// same integer-division style the exchange config's fee calculator
// uses.
func (a Amount) ApplyBPS(bps BPS) Amount {
	if a == 0 || bps == 0 {
		return 0
	}
	big_ := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(bps)))
	big_.Quo(big_, big.NewInt(bpsDenominator))
	return Amount(big_.Int64())
}

// Clamp returns a bounded to [lo, hi]. Panics if lo > hi, a
// programmer error that should never reach production config.
func Clamp(a, lo, hi Amount) Amount {
	if lo > hi {
		panic(fmt.Sprintf("money: invalid clamp bounds [%d, %d]", lo, hi))
	}
	if a < lo {
		return lo
	}
	if a > hi {
		return hi
	}
	return a
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of two amounts.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Mul multiplies an amount by a rational fraction num/den using
// arbitrary-precision integers, then truncates back to an Amount.
// Used for Kelly sizing and tiered take-profit fractions, where the
// fraction itself is derived from a float estimate but the money
// arithmetic remains exact integer division.
func (a Amount) Mul(num, den int64) Amount {
	if den == 0 {
		return 0
	}
	big_ := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(num))
	big_.Quo(big_, big.NewInt(den))
	return Amount(big_.Int64())
}

// FormatMinor renders amount as a decimal string at the given
// decimals, mirroring the teacher's FormatAmount helper.
func FormatMinor(a Amount, decimals uint8) string {
	neg := a < 0
	v := a
	if neg {
		v = -v
	}
	whole := new(big.Int).SetInt64(int64(v))
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	intPart := new(big.Int).Div(whole, divisor)
	frac := new(big.Int).Mod(whole, divisor)

	s := intPart.String()
	if decimals > 0 && frac.Sign() != 0 {
		fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
		for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
			fracStr = fracStr[:len(fracStr)-1]
		}
		if fracStr != "" {
			s = s + "." + fracStr
		}
	}
	if neg {
		s = "-" + s
	}
	return s
}

// Rational is a fixed-precision rational used for prices, where an
// integer minor-unit amount is not precise enough (e.g. token price
// in quote-currency minor units per whole token).
type Rational struct {
	Num, Den int64
}

// Float64 converts to a float only for display/logging; no arithmetic
// in the trading path should depend on the result.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// ApplyToAmount computes amount * r, truncating, using big.Int so
// overflow across the multiply never silently corrupts a trade size.
func (r Rational) ApplyToAmount(a Amount) Amount {
	if r.Den == 0 {
		return 0
	}
	return a.Mul(r.Num, r.Den)
}
