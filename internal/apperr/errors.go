package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrEmptyCart                = errors.New("cart is empty")
	ErrInvalidCartLine          = errors.New("invalid cart line")
	ErrInvalidAddress           = errors.New("invalid address")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrCashOnDeliveryLimit      = errors.New("order total exceeds cash on delivery limit")
	ErrInvalidShippingOption    = errors.New("invalid shipping option")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrReservationInactive      = errors.New("reservation is not active")
	ErrInvalidSignature         = errors.New("invalid signature")
	ErrAmountMismatch           = errors.New("callback amount does not match transaction")
	ErrGateway                  = errors.New("payment gateway error")
	ErrGatewayTimeout           = errors.New("payment gateway timeout")
	ErrPaymentFailed            = errors.New("payment failed")
	ErrPaymentPending           = errors.New("payment not yet confirmed")
	ErrIdempotencyConflict      = errors.New("operation already applied")
	ErrJobExhausted             = errors.New("job retries exhausted")
	ErrInvalidTransition        = errors.New("invalid order state transition")
	ErrInvalidRefund            = errors.New("invalid refund amount")
	ErrLocked                   = errors.New("resource locked")
)

// StockError names the product that could not be served.
type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// GatewayError wraps a failed provider call.
type GatewayError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError classifies err as a timeout or a generic gateway failure.
func NewGatewayError(provider, op string, status int, err error) *GatewayError {
	kind := ErrGateway
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrGatewayTimeout
	}
	return &GatewayError{Provider: provider, Op: op, StatusCode: status, Err: fmt.Errorf("%w: %v", kind, err)}
}

// Retryable reports whether a worker should try again after err.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPaymentFailed),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrIdempotencyConflict):
		return false
	}
	return true
}
