package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Opportunity is a detected cross-exchange arbitrage: buy on one exchange,
// sell on another. Created once per detection call, immutable, consumed by
// the executor.
type Opportunity struct {
	Symbol        string
	BuyExchange   string
	SellExchange  string
	BuyPrice      decimal.Decimal
	SellPrice     decimal.Decimal
	SpreadPercent decimal.Decimal
	MaxQuantity   decimal.Decimal
	NetProfit     decimal.Decimal
	ProfitPercent decimal.Decimal
	BuyFee        decimal.Decimal
	SellFee       decimal.Decimal
}

// Notional returns the buy-side position value before fees.
func (o *Opportunity) Notional() decimal.Decimal {
	return o.BuyPrice.Mul(o.MaxQuantity)
}

// String returns a human-readable string representation.
func (o *Opportunity) String() string {
	return fmt.Sprintf("%s buy@%s %s sell@%s %s qty=%s profit=%s",
		o.Symbol, o.BuyExchange, o.BuyPrice.String(), o.SellExchange, o.SellPrice.String(),
		o.MaxQuantity.String(), o.NetProfit.String())
}
