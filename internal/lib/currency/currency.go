// Package currency formats decimal amounts for display. All amounts in
// the system are USD.
package currency

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// USD renders an amount as "$1,234.56". Amounts are stored with two
// decimal places, so converting through cents is exact.
func USD(amount decimal.Decimal) string {
	cents := amount.Shift(2).Round(0).IntPart()
	return money.New(cents, money.USD).Display()
}
