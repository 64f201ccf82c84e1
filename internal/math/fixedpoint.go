package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// PriceConfig expresses a quote as a percentage with 6 decimals (100% = 100_000_000)
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}

	// FractionConfig is used for LTV and maintenance ratios (1.0 = 1_000_000)
	FractionConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}

	// BpsConfig is used for fee rates (1.0 = 10_000)
	BpsConfig = DecimalConfig{DecimalPrecision: 4, Scale: 10_000}
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// Release returns an intermediate obtained from MultiplyInt128 to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// The numerator must be non-negative and the denominator positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// MulDiv computes a * b / c with a 128-bit intermediate.
func MulDiv(a, b, c int64, roundingMode RoundingMode) int64 {
	product := MultiplyInt128(a, b)
	result := DivideInt128(product, c, roundingMode)
	putInt128(product)
	return result
}

// ApplyFraction returns amount * fraction / FractionConfig.Scale, rounded down.
func ApplyFraction(amount, fraction int64) int64 {
	return MulDiv(amount, fraction, FractionConfig.Scale, RoundDown)
}

// ApplyBps returns amount * bps / 10_000, rounded down.
func ApplyBps(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsConfig.Scale, RoundDown)
}
