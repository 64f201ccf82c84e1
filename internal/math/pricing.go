package math

// FullPrice is 100% at PriceConfig precision.
const FullPrice = 100 * 1_000_000

// ComputePrice returns the quote of one side of a two-sided pool as a
// percentage at PriceConfig precision. The complementary side is
// FullPrice minus this value, so the two quotes always sum to 100%.
func ComputePrice(liquiditySide, liquidityOther int64) int64 {
	total := liquiditySide + liquidityOther
	if total <= 0 {
		return 0
	}
	return MulDiv(liquiditySide, FullPrice, total, RoundDown)
}

// ComputeValue marks side tokens to market:
// tokens * liquiditySide / (liquiditySide + liquidityOther), rounded down.
//
// This is tokens * price / 100 evaluated without rounding the quote first.
func ComputeValue(tokens, liquiditySide, liquidityOther int64) int64 {
	total := liquiditySide + liquidityOther
	if tokens <= 0 || total <= 0 {
		return 0
	}
	return MulDiv(tokens, liquiditySide, total, RoundDown)
}

// ComputeProRata returns balance * pool / supply, rounded down.
func ComputeProRata(balance, pool, supply int64) int64 {
	if balance <= 0 || supply <= 0 {
		return 0
	}
	return MulDiv(balance, pool, supply, RoundDown)
}

// RatioBelow reports whether value / debt < threshold, where threshold is at
// FractionConfig precision. Both sides are compared as 128-bit products.
func RatioBelow(value, debt, threshold int64) bool {
	lhs := MultiplyInt128(value, FractionConfig.Scale)
	rhs := MultiplyInt128(debt, threshold)
	below := lhs.Cmp(rhs) < 0
	putInt128(lhs)
	putInt128(rhs)
	return below
}
