package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fulfillment/internal/apperr"
	"fulfillment/internal/memory"
	"fulfillment/models"
)

func newLedger(t *testing.T) (*Ledger, *memory.Store) {
	store := memory.NewStore()
	return NewLedger(store, zaptest.NewLogger(t)), store
}

func TestLedger_ConcurrentReservationsNeverOversell(t *testing.T) {
	ledger, store := newLedger(t)
	store.SetStock("p-1", 5)
	ctx := context.Background()

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, "p-1", 1, "order-"+string(rune('a'+i)), time.Minute, ActorCheckout)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if errors.Is(err, apperr.ErrInsufficientStock) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, workers-5, rejected)

	available, err := ledger.Available(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 0, available)
}

func TestLedger_ReserveInsufficientNamesProduct(t *testing.T) {
	ledger, store := newLedger(t)
	store.SetStock("p-1", 1)

	_, err := ledger.Reserve(context.Background(), "p-1", 2, "order-1", time.Minute, ActorCheckout)

	var stockErr *apperr.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "p-1", stockErr.ProductID)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)
}

func TestLedger_ReleaseRestoresAvailability(t *testing.T) {
	ledger, store := newLedger(t)
	store.SetStock("p-1", 3)
	ctx := context.Background()

	id, err := ledger.Reserve(ctx, "p-1", 2, "order-1", time.Minute, ActorCheckout)
	require.NoError(t, err)

	ok, err := ledger.CheckAvailable(ctx, "p-1", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.Release(ctx, id, ActorWorker))
	// second release is a no-op
	require.NoError(t, ledger.Release(ctx, id, ActorWorker))

	available, err := ledger.Available(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 3, available)

	movements, err := ledger.Movements(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, models.MovementReserve, movements[0].Type)
	assert.Equal(t, models.MovementRelease, movements[1].Type)
	assert.Equal(t, ActorWorker, movements[1].Actor)
}

func TestLedger_DecrementCommitsReservationOnce(t *testing.T) {
	ledger, store := newLedger(t)
	store.SetStock("p-1", 4)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "p-1", 3, "order-1", time.Minute, ActorCheckout)
	require.NoError(t, err)

	require.NoError(t, ledger.Decrement(ctx, "p-1", 3, "order-1", ActorWorker))
	require.NoError(t, ledger.Decrement(ctx, "p-1", 3, "order-1", ActorWorker))

	st, err := store.GetStock(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.OnHand)
	assert.Equal(t, 0, st.Reserved)

	reservations, err := ledger.Reservations(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, models.ReservationCommitted, reservations[0].Status)
}

func TestLedger_DecrementWithoutReservation(t *testing.T) {
	ledger, store := newLedger(t)
	store.SetStock("p-1", 2)
	ctx := context.Background()

	require.NoError(t, ledger.Decrement(ctx, "p-1", 2, "order-1", ActorWorker))
	err := ledger.Decrement(ctx, "p-1", 1, "order-2", ActorWorker)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	done, err := ledger.Decremented(ctx, "p-1", "order-1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestLedger_ReleaseExpired(t *testing.T) {
	ledger, store := newLedger(t)
	store.SetStock("p-1", 10)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }
	_, err := ledger.Reserve(ctx, "p-1", 4, "order-1", time.Minute, ActorCheckout)
	require.NoError(t, err)
	_, err = ledger.Reserve(ctx, "p-1", 3, "order-2", time.Hour, ActorCheckout)
	require.NoError(t, err)

	ledger.now = func() time.Time { return base.Add(5 * time.Minute) }
	released, err := ledger.ReleaseExpired(ctx, 100)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "order-1", released[0].Reference)

	available, err := ledger.Available(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 7, available)

	active, err := ledger.ActiveQuantity(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestLedger_RestockIsIdempotentPerReference(t *testing.T) {
	ledger, store := newLedger(t)
	store.SetStock("p-1", 1)
	ctx := context.Background()

	require.NoError(t, ledger.Restock(ctx, "p-1", 2, "refund-order-1", ActorAdmin))
	require.NoError(t, ledger.Restock(ctx, "p-1", 2, "refund-order-1", ActorAdmin))

	available, err := ledger.Available(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 3, available)
}
