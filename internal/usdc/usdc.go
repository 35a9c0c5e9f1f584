// Package usdc provides integer micro-USDC arithmetic and conversions.
//
// USDC uses 6 decimal places. Every budget-affecting quantity in the
// sentinel is a Micro (int64 micro-USDC, 1 USDC = 1,000,000 units) so
// that budget accounting never touches floating point. On-chain raw
// amounts remain big.Int.
package usdc

import (
	"math/big"
	"strconv"
	"strings"
)

const (
	// Decimals is the decimal precision of the USDC token.
	Decimals = 6

	// PerUSDC is the number of micro-USDC units in one USDC.
	PerUSDC = 1_000_000
)

// Micro is an amount in integer micro-USDC.
type Micro int64

// Parse converts a decimal string (e.g. "1.50") to micro-USDC (1500000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string parses to 0
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond 6 are truncated
func Parse(s string) (Micro, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(combined, 10, 64)
	if err != nil {
		return 0, false
	}
	return Micro(v), true
}

// String formats the amount as a decimal USDC string with exactly six
// decimal places (e.g. "1.500000").
func (m Micro) String() string {
	neg := m < 0
	v := int64(m)
	if neg {
		v = -v
	}
	whole := v / PerUSDC
	frac := v % PerUSDC

	s := strconv.FormatInt(whole, 10) + "." + pad6(frac)
	if neg {
		s = "-" + s
	}
	return s
}

// Raw returns the amount as a big.Int in the token's smallest unit,
// suitable for an on-chain transfer.
func (m Micro) Raw() *big.Int {
	return big.NewInt(int64(m))
}

// FromRaw converts a raw on-chain amount to Micro. Returns (0, false)
// when the amount is nil, negative, or does not fit in an int64.
func FromRaw(raw *big.Int) (Micro, bool) {
	if raw == nil || raw.Sign() < 0 || !raw.IsInt64() {
		return 0, false
	}
	return Micro(raw.Int64()), true
}

func pad6(v int64) string {
	s := strconv.FormatInt(v, 10)
	for len(s) < Decimals {
		s = "0" + s
	}
	return s
}
