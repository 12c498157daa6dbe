// Package breaker implements the three time-windowed trading guards:
// market volatility, exchange connectivity and request error rate. Each
// breaker owns its state, keyed by scope (symbol or exchange); updates to
// one scope never block another.
package breaker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var percentMultiplier = decimal.NewFromInt(100)

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

type volatilityWindow struct {
	mu      sync.Mutex
	history []pricePoint
	halted  bool
}

// Volatility halts a symbol while the price range inside the rolling window
// exceeds the configured percentage. It clears automatically once a later
// observation is back under the threshold.
type Volatility struct {
	maxPercent decimal.Decimal
	window     time.Duration
	minSamples int
	logger     *zap.Logger

	scopes sync.Map // symbol -> *volatilityWindow
	now    func() time.Time
}

// NewVolatility creates a volatility breaker.
func NewVolatility(maxPercent decimal.Decimal, window time.Duration, minSamples int, logger *zap.Logger) *Volatility {
	return &Volatility{
		maxPercent: maxPercent,
		window:     window,
		minSamples: minSamples,
		logger:     logger,
		now:        time.Now,
	}
}

func (b *Volatility) scope(symbol string) *volatilityWindow {
	w, _ := b.scopes.LoadOrStore(symbol, &volatilityWindow{})
	return w.(*volatilityWindow)
}

// Observe records a price sample for the symbol and reports whether trading
// is allowed. It returns false while the windowed price range exceeds the
// threshold.
func (b *Volatility) Observe(symbol string, price decimal.Decimal) bool {
	now := b.now()
	w := b.scope(symbol)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.history = append(w.history, pricePoint{at: now, price: price})
	for len(w.history) > 0 && now.Sub(w.history[0].at) > b.window {
		w.history = w.history[1:]
	}

	if len(w.history) < b.minSamples {
		return true
	}

	low := w.history[0].price
	high := w.history[0].price
	for _, p := range w.history[1:] {
		if p.price.LessThan(low) {
			low = p.price
		}
		if p.price.GreaterThan(high) {
			high = p.price
		}
	}

	if low.IsZero() {
		return true
	}

	volatility := high.Sub(low).Div(low).Mul(percentMultiplier)
	if volatility.GreaterThan(b.maxPercent) {
		if !w.halted {
			b.logger.Warn("volatility breaker tripped",
				zap.String("symbol", symbol),
				zap.String("volatility_percent", volatility.String()),
				zap.String("max_percent", b.maxPercent.String()))
		}
		w.halted = true
		return false
	}

	w.halted = false
	return true
}

// Halted reports whether the symbol is currently halted.
func (b *Volatility) Halted(symbol string) bool {
	w, ok := b.scopes.Load(symbol)
	if !ok {
		return false
	}
	vw := w.(*volatilityWindow)
	vw.mu.Lock()
	defer vw.mu.Unlock()
	return vw.halted
}

// Reset clears the history and halt flag for one symbol.
func (b *Volatility) Reset(symbol string) {
	b.scopes.Delete(symbol)
}

// ResetAll clears every symbol.
func (b *Volatility) ResetAll() {
	b.scopes.Range(func(key, _ any) bool {
		b.scopes.Delete(key)
		return true
	})
}
