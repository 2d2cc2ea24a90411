package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// UnitScale returns 10^decimals for the asset: 1e18 for eth, 1e8 otherwise.
func UnitScale(c CryptoType) decimal.Decimal {
	return decimal.New(1, c.Decimals())
}

// UsdToUnits converts a USD amount into the asset's smallest unit at the given
// price, rounding to the nearest unit. The USD amount is clamped to two
// decimal places first, matching how it is displayed and stored.
func UsdToUnits(usd decimal.Decimal, price decimal.Decimal, c CryptoType) (int64, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("invalid price %s for %s", price, c)
	}
	usd = usd.Round(2)
	units := usd.Div(price).Mul(UnitScale(c)).Round(0)
	if units.Sign() < 0 {
		return 0, fmt.Errorf("amount %s does not convert to whole %s units", usd, c)
	}
	return units.IntPart(), nil
}

// UnitsToCrypto renders a smallest-unit amount as a whole-coin decimal string.
func UnitsToCrypto(units int64, c CryptoType) string {
	return decimal.NewFromInt(units).Div(UnitScale(c)).String()
}

// FormatUsd normalizes a USD amount to the canonical 2-place string form.
func FormatUsd(usd decimal.Decimal) string {
	return usd.Round(2).StringFixed(2)
}

// ParseUsd parses a user-supplied USD amount, tolerating "$" and "," noise.
func ParseUsd(s string) (decimal.Decimal, error) {
	cleaned := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '$' || r == ',' || r == ' ' {
			continue
		}
		cleaned = append(cleaned, r)
	}
	d, err := decimal.NewFromString(string(cleaned))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse usd amount: %w", err)
	}
	return d, nil
}
