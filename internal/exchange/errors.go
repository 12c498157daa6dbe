package exchange

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownExchange is returned when an exchange id has no registered client.
	ErrUnknownExchange = errors.New("unknown exchange")
	// ErrInsufficientBalance is returned when an order is rejected for lack of funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnsupported is returned for operations a venue does not provide.
	ErrUnsupported = errors.New("operation not supported")
)

// AuthError signals failed or missing authentication. Never retried.
type AuthError struct {
	Exchange string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Exchange, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError signals a network, timeout or rate-limit failure that is
// worth retrying.
type TransientError struct {
	Exchange string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient error: %v", e.Exchange, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError signals an order the exchange refused (invalid params,
// insufficient balance). Surfaced immediately, the leg is treated as not placed.
type RejectedError struct {
	Exchange string
	OrderID  string
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: order %s rejected: %v", e.Exchange, e.OrderID, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
