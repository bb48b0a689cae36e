package types

import (
	"github.com/shopspring/decimal"
)

// Decimal returns a scaled by 10^-decimals.
func (a Amount) Decimal(decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -decimals)
}

// FormatUnits renders a in whole units with the given number of decimals,
// trimming trailing zeros.
func (a Amount) FormatUnits(decimals int32) string {
	return a.Decimal(decimals).String()
}

// ParseUnits converts a human-readable quantity such as "1.5" into base units.
// Digits beyond the given precision are truncated.
func ParseUnits(s string, decimals int32) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	if d.IsNegative() {
		return Amount{}, ErrInvalidConfiguration
	}
	return ParseAmount(d.Shift(decimals).Truncate(0).String())
}
