package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorDigits is the number of fraction digits carried in minor units.
const MinorDigits = 2

var ErrAmountPrecision = errors.New("amount has more than 2 decimal places")

var minorScale = decimal.New(1, MinorDigits)

// ParseMinor converts a decimal string such as "12.50" to minor units.
func ParseMinor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return ToMinor(d)
}

// ToMinor converts a decimal amount to minor units, rejecting sub-minor precision.
func ToMinor(d decimal.Decimal) (int64, error) {
	scaled := d.Mul(minorScale)
	if !scaled.IsInteger() {
		return 0, ErrAmountPrecision
	}
	return scaled.IntPart(), nil
}

// Decimal converts minor units back to a decimal amount.
func Decimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorDigits)
}

// FormatMinor renders minor units with exactly two fraction digits.
func FormatMinor(minor int64) string {
	return Decimal(minor).StringFixed(MinorDigits)
}
