package checkout

import (
	"github.com/shopspring/decimal"
)

// Totals is the monetary breakdown of a cart in the display currency.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// Priced is anything with a native-currency total.
type Priced interface {
	TotalPrice() decimal.Decimal
}

// ComputeTotals converts the cart total and applies tax. Values are not rounded.
func ComputeTotals(c Priced, taxRate, conversionRate decimal.Decimal) Totals {
	native := decimal.Zero
	if c != nil {
		native = c.TotalPrice()
	}
	subtotal := native.Mul(conversionRate)
	tax := subtotal.Mul(taxRate)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}
}
