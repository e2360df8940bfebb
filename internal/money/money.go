// Package money provides shared parsing, formatting and arithmetic for
// billing amounts.
//
// Amounts are stored as int64 cents (1 unit of currency = 100 cents).
// All pricing math happens in cents so breakdowns always sum exactly.
package money

import (
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "44.00") to cents (4400).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (int64, bool) {
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

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, false
		}
		cents = cents*10 + int64(r-'0')
		if cents < 0 { // overflow
			return 0, false
		}
	}
	return cents, true
}

// Format converts cents to a human-readable decimal string with exactly
// 2 decimal places (e.g. 1584 -> "15.84").
func Format(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	whole := cents / 100
	frac := cents % 100
	s := itoa(whole) + "." + pad2(frac)
	if neg {
		s = "-" + s
	}
	return s
}

// Percent returns pct percent of amount, rounded half-up to the nearest
// cent. Each add-on percentage is applied to the base subtotal with this
// function, independently of any other add-on.
func Percent(amount int64, pct int) int64 {
	if amount <= 0 || pct <= 0 {
		return 0
	}
	return (amount*int64(pct) + 50) / 100
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func pad2(v int64) string {
	if v < 10 {
		return "0" + itoa(v)
	}
	return itoa(v)
}
