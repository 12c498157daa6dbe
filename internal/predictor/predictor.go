// Package predictor defines the optional price/mode prediction hook the
// executor consults before placing each leg.
package predictor

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/arbi/internal/domain"
)

// Prediction is the advice produced for one order book.
type Prediction struct {
	// UseMaker suggests placing the leg as a post-only limit order instead
	// of crossing the book.
	UseMaker   bool
	Confidence decimal.Decimal
	// Price is the suggested limit price; zero when the predictor offers
	// no price opinion.
	Price decimal.Decimal
}

// Predictor advises the executor on order style and price. Any failure is
// non-fatal; the executor degrades to taker mode.
type Predictor interface {
	PredictFromOrderBook(book *domain.OrderBook) (Prediction, error)
	Ready() bool
	HasPricePrediction() bool
}
