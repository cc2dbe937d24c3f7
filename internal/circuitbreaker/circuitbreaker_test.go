package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	fail := func(context.Context) error { return errBoom }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Minute, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())

	now = now.Add(2 * time.Minute)
	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(3, time.Minute, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	}
	now = now.Add(2 * time.Minute)

	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	errRejected := errors.New("rejected")
	cb := NewCircuitBreaker(1, time.Minute, WithFailurePredicate(func(err error) bool {
		return !errors.Is(err, errRejected)
	}))

	_ = cb.Execute(context.Background(), func(context.Context) error { return errRejected })
	assert.Equal(t, StateClosed, cb.GetState())
}
