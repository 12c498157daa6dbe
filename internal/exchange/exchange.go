// Package exchange defines the capability interface every exchange adapter
// implements, plus the shared error taxonomy. The engine never branches on
// exchange identity, only on this interface.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbi/internal/domain"
)

// PlaceOrderRequest describes one order to be placed.
type PlaceOrderRequest struct {
	Symbol   string
	Side     domain.Side
	Type     domain.OrderType
	Quantity decimal.Decimal
	// Price is the limit price; zero for market orders.
	Price decimal.Decimal
	// PostOnly asks the exchange to reject the order instead of matching
	// immediately (maker hint).
	PostOnly bool
	// ClientOrderID is the caller-chosen id the order is tracked by.
	ClientOrderID string
}

// Client is the per-exchange capability interface.
type Client interface {
	Name() string
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) (bool, error)
	// GetOrder returns the current state of an order. Adapters for venues
	// without a status endpoint return ErrUnsupported.
	GetOrder(ctx context.Context, id, symbol string) (*domain.Order, error)
	// GetBalance returns balances keyed by currency code. An empty currency
	// requests all balances.
	GetBalance(ctx context.Context, currency string) (map[string]domain.Balance, error)
	MakerFee() decimal.Decimal
	TakerFee() decimal.Decimal
	IsAuthenticated() bool
}
