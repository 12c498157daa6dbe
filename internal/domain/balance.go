package domain

import "github.com/shopspring/decimal"

// Balance is an account balance for one currency.
type Balance struct {
	Currency  string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Total returns available plus locked funds.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}
