package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type connectivityScope struct {
	mu       sync.Mutex
	failures []time.Time
	state    circuitState
	openedAt time.Time
}

// Connectivity is a per-exchange closed/open/half-open circuit. Reaching
// maxFailures failures inside the window opens it; after recoveryTimeout a
// single probe is permitted (half-open); a success in half-open closes it
// and clears the failure history, a failure reopens it.
type Connectivity struct {
	maxFailures     int
	window          time.Duration
	recoveryTimeout time.Duration
	logger          *zap.Logger

	scopes sync.Map // exchange -> *connectivityScope
	now    func() time.Time
}

// NewConnectivity creates a connectivity breaker.
func NewConnectivity(maxFailures int, window, recoveryTimeout time.Duration, logger *zap.Logger) *Connectivity {
	return &Connectivity{
		maxFailures:     maxFailures,
		window:          window,
		recoveryTimeout: recoveryTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

func (b *Connectivity) scope(exchangeName string) *connectivityScope {
	s, _ := b.scopes.LoadOrStore(exchangeName, &connectivityScope{})
	return s.(*connectivityScope)
}

// RecordFailure notes a failed request against the exchange.
func (b *Connectivity) RecordFailure(exchangeName string) {
	now := b.now()
	s := b.scope(exchangeName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateHalfOpen {
		// the probe failed, reopen
		s.state = stateOpen
		s.openedAt = now
		b.logger.Warn("connectivity breaker reopened after failed probe",
			zap.String("exchange", exchangeName))
		return
	}

	s.failures = append(s.failures, now)
	for len(s.failures) > 0 && now.Sub(s.failures[0]) > b.window {
		s.failures = s.failures[1:]
	}

	if len(s.failures) >= b.maxFailures && s.state != stateOpen {
		s.state = stateOpen
		s.openedAt = now
		b.logger.Warn("connectivity breaker opened",
			zap.String("exchange", exchangeName),
			zap.Int("failures", len(s.failures)),
			zap.Duration("window", b.window))
	}
}

// RecordSuccess notes a successful request against the exchange. A success
// while half-open closes the circuit and zeroes the failure history.
func (b *Connectivity) RecordSuccess(exchangeName string) {
	s := b.scope(exchangeName)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateHalfOpen:
		s.state = stateClosed
		s.failures = nil
		b.logger.Info("connectivity breaker closed", zap.String("exchange", exchangeName))
	case stateOpen:
		s.state = stateHalfOpen
	}
}

// Halted reports whether requests to the exchange are currently blocked.
// When the recovery timeout has elapsed in the open state, the circuit
// moves to half-open and one probe is admitted.
func (b *Connectivity) Halted(exchangeName string) bool {
	s, ok := b.scopes.Load(exchangeName)
	if !ok {
		return false
	}
	cs := s.(*connectivityScope)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch cs.state {
	case stateClosed, stateHalfOpen:
		return false
	default: // open
		if b.now().Sub(cs.openedAt) >= b.recoveryTimeout {
			cs.state = stateHalfOpen
			b.logger.Info("connectivity breaker half-open", zap.String("exchange", exchangeName))
			return false
		}
		return true
	}
}

// Reset closes the circuit for one exchange and clears its history.
func (b *Connectivity) Reset(exchangeName string) {
	b.scopes.Delete(exchangeName)
}

// ResetAll closes every circuit.
func (b *Connectivity) ResetAll() {
	b.scopes.Range(func(key, _ any) bool {
		b.scopes.Delete(key)
		return true
	})
}
