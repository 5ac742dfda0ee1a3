// Package usdc provides fixed-point USDC amount handling.
//
// USDC has 6 decimal places. Amounts cross the API as decimal strings
// ("1.50") and are held internally as big.Int minor units (1 USDC =
// 1,000,000 units) so that batch totals never go through floating point.
package usdc

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50") to its minor-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Excess fractional digits are truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return nil, false
	}
	return d.Shift(Decimals).Truncate(0).BigInt(), true
}

// Format converts minor units to a decimal string with exactly 6
// decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	return decimal.NewFromBigInt(amount, -Decimals).StringFixed(Decimals)
}

// Sum parses and adds a list of decimal strings. Invalid entries are
// skipped rather than poisoning the total.
func Sum(amounts []string) *big.Int {
	total := big.NewInt(0)
	for _, a := range amounts {
		v, ok := Parse(a)
		if !ok {
			continue
		}
		total.Add(total, v)
	}
	return total
}

// MinorUnits converts a decimal string to uint64 minor units for
// on-chain transfer encoding. Returns (0, false) if the amount is
// invalid or does not fit.
func MinorUnits(s string) (uint64, bool) {
	v, ok := Parse(s)
	if !ok || !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}
