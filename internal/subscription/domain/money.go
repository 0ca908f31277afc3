package domain

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// providerScale overrides ISO 4217 minor units where the provider's API
// disagrees with them.
var providerScale = map[string]int32{
	"ISK": 2,
}

// MinorUnitScale is the number of decimal places the provider uses for
// amounts in code. Unknown codes fall back to two.
func MinorUnitScale(code string) int32 {
	code = strings.ToUpper(strings.TrimSpace(code))
	if scale, ok := providerScale[code]; ok {
		return scale
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// FromMinorUnits converts a provider amount in minor units into a decimal
// amount in the currency's major unit.
func FromMinorUnits(amount int64, code string) decimal.Decimal {
	return decimal.New(amount, -MinorUnitScale(code))
}
