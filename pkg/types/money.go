package types

import "github.com/shopspring/decimal"

const DefaultCurrency = "USD"

// RoundMoney rounds to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FormatMoney renders a dollar amount the way it is shown to users, e.g. "$46.67".
func FormatMoney(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
