// Package money provides shared USDC amount parsing and formatting.
//
// USDC uses 6 decimal places. All amounts are stored as big.Int in the
// smallest unit (1 USDC = 1,000,000 units). Route pricing accepts an
// optional "$" prefix ("$0.01" and "0.01" are equivalent).
package money

import (
	"math"
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50" or "$1.50") to its
// smallest-unit big.Int representation (1500000). Returns (nil, false)
// on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsZero reports whether s parses to a zero amount. Unparseable strings
// are not zero.
func IsZero(s string) bool {
	amt, ok := Parse(s)
	return ok && amt.Sign() == 0
}

// ToFloat converts a smallest-unit amount to float64 USDC. Dynamic price
// computation works in floats; the result is re-quantized via FromFloat.
func ToFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	return f / math.Pow10(Decimals)
}

// FromFloat converts float64 USDC back to a smallest-unit amount,
// rounding half away from zero. Negative inputs clamp to zero.
func FromFloat(v float64) *big.Int {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return big.NewInt(0)
	}
	units := math.Round(v * math.Pow10(Decimals))
	bf := new(big.Float).SetFloat64(units)
	result, _ := bf.Int(nil)
	return result
}
