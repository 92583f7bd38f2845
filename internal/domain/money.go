package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const CurrencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Round rounds to currency precision. decimal rounds half away from zero,
// which is half-up for the non-negative amounts handled here.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

func LineTotal(qty int, unitPrice decimal.Decimal) decimal.Decimal {
	return Round(unitPrice.Mul(decimal.NewFromInt(int64(qty))))
}

// PercentOf returns round(amount * pct / 100).
func PercentOf(amount decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
