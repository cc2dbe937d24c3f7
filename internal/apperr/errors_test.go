package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStockErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("checkout: %w", &StockError{ProductID: "p-1", Requested: 3, Available: 1})

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	var se *StockError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "p-1", se.ProductID)
}

func TestNewGatewayErrorClassifies(t *testing.T) {
	timeout := NewGatewayError("card", "initiate", 0, context.DeadlineExceeded)
	assert.True(t, errors.Is(timeout, ErrGatewayTimeout))
	assert.False(t, errors.Is(timeout, ErrGateway))

	generic := NewGatewayError("card", "initiate", 502, errors.New("bad gateway"))
	assert.True(t, errors.Is(generic, ErrGateway))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(fmt.Errorf("x: %w", ErrPaymentFailed)))
	assert.False(t, Retryable(ErrNotFound))
	assert.True(t, Retryable(ErrGatewayTimeout))
	assert.True(t, Retryable(errors.New("connection reset")))
}
