package money

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storebot/pkg/enums"
)

var symbols = map[enums.Currency]string{
	enums.CurrencyEUR: "€",
	enums.CurrencyUSD: "$",
	enums.CurrencyGBP: "£",
}

// FromCents converts integer minor units to a decimal major amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders cents for display, e.g. "€12.50".
func Format(cents int64, currency enums.Currency) string {
	amount := FromCents(cents).StringFixed(2)
	if sym, ok := symbols[currency]; ok {
		return sym + amount
	}
	return amount + " " + string(currency)
}
