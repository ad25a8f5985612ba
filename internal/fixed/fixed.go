// Package fixed provides the fixed-point decimal arithmetic used throughout
// the perps engine.
//
// All monetary and price quantities carry an 18-decimal scale with explicit
// rounding semantics: multiply and divide both round toward zero. Funding,
// fee, and leverage computations are sensitive to rounding direction, so no
// engine math calls decimal.Mul/Div directly — everything flows through the
// helpers here.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fixed

import "github.com/shopspring/decimal"

// Scale is the number of decimal places carried by engine quantities.
const Scale int32 = 18

// Step is the smallest representable quantity at Scale, the unit used to
// turn an inclusive bound into a strict one.
var Step = decimal.New(1, -Scale)

// divPrecision is the working precision for division before the final
// truncation, kept above Scale so the truncated result is exact.
const divPrecision int32 = Scale + 4

// MulDown multiplies a*b and truncates the result toward zero at Scale.
func MulDown(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundDown(Scale)
}

// DivDown divides a/b and truncates the result toward zero at Scale.
// Division by zero panics, as with decimal.Div; callers guard zero
// denominators with explicit configuration errors first.
func DivDown(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, divPrecision).RoundDown(Scale)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// FloorZero clamps v to be non-negative.
func FloorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// SameSide reports whether a and b are on the same side of zero.
// Zero is considered to be on both sides (a flat position neither adds to
// nor reduces either side).
func SameSide(a, b decimal.Decimal) bool {
	return a.Sign() == 0 || b.Sign() == 0 || a.Sign() == b.Sign()
}
