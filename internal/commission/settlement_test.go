package commission

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fulfillment/internal/memory"
	"fulfillment/models"
)

func setup(t *testing.T, threshold int64) (*Settlement, *memory.Store) {
	store := memory.NewStore()
	store.PutSeller(models.Seller{ID: "seller-1", CommissionRate: decimal.RequireFromString("0.12")})
	return NewSettlement(store, decimal.NewFromInt(threshold), zaptest.NewLogger(t)), store
}

func paidOrder(id string, total int64) *models.Order {
	return &models.Order{ID: id, SellerID: "seller-1", Total: decimal.NewFromInt(total)}
}

func sumNet(records []models.CommissionRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		if r.Status != models.CommissionReversed {
			total = total.Add(r.NetAmount)
		}
	}
	return total
}

func TestSettlement_Settle(t *testing.T) {
	settlement, _ := setup(t, 1000)
	ctx := context.Background()

	rec, err := settlement.Settle(ctx, paidOrder("o-1", 500))
	require.NoError(t, err)
	assert.Equal(t, "60.00", rec.CommissionAmount.StringFixed(2))
	assert.Equal(t, "440.00", rec.NetAmount.StringFixed(2))
	assert.Equal(t, models.CommissionPending, rec.Status)

	balance, err := settlement.Balance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "440.00", balance.Balance.StringFixed(2))
	assert.Equal(t, "500.00", balance.TotalSales.StringFixed(2))
	assert.Equal(t, "60.00", balance.TotalCommission.StringFixed(2))
	assert.False(t, balance.PayoutEligible)
}

func TestSettlement_SettleIsIdempotentUnderConcurrency(t *testing.T) {
	settlement, _ := setup(t, 1000)
	ctx := context.Background()
	order := paidOrder("o-1", 500)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := settlement.Settle(ctx, order)
			if assert.NoError(t, err) {
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	balance, err := settlement.Balance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "440.00", balance.Balance.StringFixed(2))
	assert.Len(t, balance.Commissions, 1)
}

func TestSettlement_PayoutEligibility(t *testing.T) {
	settlement, _ := setup(t, 800)
	ctx := context.Background()

	_, err := settlement.Settle(ctx, paidOrder("o-1", 500))
	require.NoError(t, err)
	_, err = settlement.Settle(ctx, paidOrder("o-2", 500))
	require.NoError(t, err)

	balance, err := settlement.Balance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "880.00", balance.Balance.StringFixed(2))
	assert.True(t, balance.PayoutEligible)
}

func TestSettlement_ReverseKeepsBalanceInvariant(t *testing.T) {
	settlement, _ := setup(t, 1000)
	ctx := context.Background()
	_, err := settlement.Settle(ctx, paidOrder("o-1", 500))
	require.NoError(t, err)
	_, err = settlement.Settle(ctx, paidOrder("o-2", 200))
	require.NoError(t, err)

	require.NoError(t, settlement.Reverse(ctx, "o-1", decimal.NewFromInt(100)))

	balance, err := settlement.Balance(ctx, "seller-1")
	require.NoError(t, err)
	// o-1 shrinks to 400 gross: 48 commission, 352 net; o-2 nets 176.
	assert.Equal(t, "528.00", balance.Balance.StringFixed(2))
	assert.True(t, balance.Balance.Equal(sumNet(balance.Commissions)))

	require.NoError(t, settlement.Reverse(ctx, "o-1", decimal.NewFromInt(400)))
	require.NoError(t, settlement.Reverse(ctx, "o-1", decimal.NewFromInt(400)))

	balance, err = settlement.Balance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "176.00", balance.Balance.StringFixed(2))
	assert.True(t, balance.Balance.Equal(sumNet(balance.Commissions)))
}

func TestSettlement_ReverseWithoutRecordIsNoop(t *testing.T) {
	settlement, _ := setup(t, 1000)
	assert.NoError(t, settlement.Reverse(context.Background(), "missing", decimal.NewFromInt(10)))
}
