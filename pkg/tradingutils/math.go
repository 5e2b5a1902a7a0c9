// Package tradingutils provides decimal-exact helpers for quantizing
// prices and sizes to exchange tick/lot grids and for the skew/notional
// arithmetic shared by the maker and hedger.
package tradingutils

import (
	"github.com/shopspring/decimal"
)

// FloorToStep quantizes a value down to the nearest multiple of step.
// Used for bid prices, where rounding down preserves the spread (spec §4.6
// step 7: "bid rounds down, ask rounds up").
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Floor()
	return units.Mul(step)
}

// CeilToStep quantizes a value up to the nearest multiple of step.
// Used for ask prices and for sizes, where rounding up never produces a
// quantity smaller than requested.
func CeilToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Ceil()
	return units.Mul(step)
}

// CeilNotional rounds size up to the smallest multiple of lotSize such that
// price*size satisfies both minSize and minNotional. Returns the zero
// decimal and ok=false if no such multiple exists without exceeding cap
// (spec §4.7 clip sizing, §8 "boundary behaviors" — this is the fix for the
// hedger's historical silent min-notional bug: round up, never post bare
// minimum and be rejected, and never exceed what the caller allows).
func CeilNotional(price, size, minSize, minNotional, lotSize, cap decimal.Decimal) (decimal.Decimal, bool) {
	if lotSize.IsZero() || price.IsZero() {
		return decimal.Zero, false
	}

	candidate := CeilToStep(size, lotSize)
	if candidate.LessThan(minSize) {
		candidate = CeilToStep(minSize, lotSize)
	}

	// Grow by whole lots until the notional floor is met.
	for candidate.Mul(price).LessThan(minNotional) {
		candidate = candidate.Add(lotSize)
	}

	if candidate.GreaterThan(cap) {
		return decimal.Zero, false
	}
	return candidate, true
}

var bpsDivisor = decimal.NewFromInt(10_000)

// BpsOf returns value * bps / 10_000.
func BpsOf(value, bps decimal.Decimal) decimal.Decimal {
	return value.Mul(bps).Div(bpsDivisor)
}

// BpsDiff returns the absolute difference between a and b, expressed in
// basis points of b. Used by the Guard's price-band check (spec §4.5 rule 1).
func BpsDiff(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Mul(bpsDivisor).Div(b)
}
