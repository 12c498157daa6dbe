package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type requestPoint struct {
	at      time.Time
	success bool
}

type errorRateScope struct {
	mu      sync.Mutex
	history []requestPoint
}

// ErrorRate halts an exchange while the share of failed requests inside the
// window exceeds maxRate, once at least minRequests have been observed.
// Unlike the connectivity circuit it clears on its own as the window slides.
type ErrorRate struct {
	maxRate     float64
	window      time.Duration
	minRequests int
	logger      *zap.Logger

	scopes sync.Map // exchange -> *errorRateScope
	now    func() time.Time
}

// NewErrorRate creates an error-rate breaker.
func NewErrorRate(maxRate float64, window time.Duration, minRequests int, logger *zap.Logger) *ErrorRate {
	return &ErrorRate{
		maxRate:     maxRate,
		window:      window,
		minRequests: minRequests,
		logger:      logger,
		now:         time.Now,
	}
}

// RecordRequest notes the outcome of one request against the exchange.
func (b *ErrorRate) RecordRequest(exchangeName string, success bool) {
	now := b.now()
	s, _ := b.scopes.LoadOrStore(exchangeName, &errorRateScope{})
	scope := s.(*errorRateScope)

	scope.mu.Lock()
	defer scope.mu.Unlock()

	scope.history = append(scope.history, requestPoint{at: now, success: success})
	for len(scope.history) > 0 && now.Sub(scope.history[0].at) > b.window {
		scope.history = scope.history[1:]
	}
}

// Halted reports whether the exchange's recent error rate is above the limit.
func (b *ErrorRate) Halted(exchangeName string) bool {
	s, ok := b.scopes.Load(exchangeName)
	if !ok {
		return false
	}
	scope := s.(*errorRateScope)

	now := b.now()

	scope.mu.Lock()
	defer scope.mu.Unlock()

	for len(scope.history) > 0 && now.Sub(scope.history[0].at) > b.window {
		scope.history = scope.history[1:]
	}

	total := len(scope.history)
	if total < b.minRequests {
		return false
	}

	errorsCount := 0
	for _, p := range scope.history {
		if !p.success {
			errorsCount++
		}
	}

	rate := float64(errorsCount) / float64(total)
	if rate > b.maxRate {
		b.logger.Warn("error rate breaker halted exchange",
			zap.String("exchange", exchangeName),
			zap.Float64("rate", rate),
			zap.Int("requests", total))
		return true
	}
	return false
}

// Reset clears the request history for one exchange.
func (b *ErrorRate) Reset(exchangeName string) {
	b.scopes.Delete(exchangeName)
}

// ResetAll clears the request history for every exchange.
func (b *ErrorRate) ResetAll() {
	b.scopes.Range(func(key, _ any) bool {
		b.scopes.Delete(key)
		return true
	})
}
