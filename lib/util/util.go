// Package util contains helper functions used around the code.
package util

import "github.com/shopspring/decimal"

// In returns true if s is found in ss, false otherwise
func In(ss []string, s string) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}

	return false
}

// ToStandard converts an amount in minor units (satoshi, wei, ...) to standard units given the chain's decimals.
func ToStandard(minor decimal.Decimal, decimals uint8) decimal.Decimal {
	return minor.Shift(-int32(decimals))
}

// ToMinor converts an amount in standard units to minor units given the chain's decimals.
func ToMinor(std decimal.Decimal, decimals uint8) decimal.Decimal {
	return std.Shift(int32(decimals))
}

// FitsPrecision returns true when the amount has no more decimal places than the chain allows.
func FitsPrecision(amount decimal.Decimal, decimals uint8) bool {
	return amount.Equal(amount.Truncate(int32(decimals)))
}
