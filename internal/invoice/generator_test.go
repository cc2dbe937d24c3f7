package invoice

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fulfillment/internal/memory"
	"fulfillment/models"
)

func TestNumber(t *testing.T) {
	issued := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "INV-20260309-3F2A9C1B-0000-4000-8000-000000000000", Number("3f2a9c1b-0000-4000-8000-000000000000", issued))
	assert.Equal(t, "INV-20260309-AB", Number("ab", issued))
}

func TestGenerator_OrdersSharingIDPrefixGetDistinctNumbers(t *testing.T) {
	store := memory.NewStore()
	gen := NewGenerator(store, zaptest.NewLogger(t))
	gen.now = func() time.Time { return time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	var numbers []string
	for _, id := range []string{"3f2a9c1b-0000-4000-8000-000000000001", "3f2a9c1b-1111-4000-8000-000000000002"} {
		inv, err := gen.Generate(ctx, &models.Order{ID: id, SellerID: "seller-1", ShopperID: "shopper-1", Total: decimal.NewFromInt(10), Currency: "SAR"})
		require.NoError(t, err)
		numbers = append(numbers, inv.Number)

		stored, err := store.GetInvoiceByOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, inv.Number, stored.Number)
	}
	assert.NotEqual(t, numbers[0], numbers[1])
}

func TestGenerator_GenerateOncePerOrder(t *testing.T) {
	store := memory.NewStore()
	gen := NewGenerator(store, zaptest.NewLogger(t))
	gen.now = func() time.Time { return time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC) }
	order := &models.Order{
		ID:        "3f2a9c1b-0000-4000-8000-000000000000",
		SellerID:  "seller-1",
		ShopperID: "shopper-1",
		Subtotal:  decimal.NewFromInt(100),
		Tax:       decimal.NewFromInt(15),
		Shipping:  decimal.NewFromInt(10),
		Discount:  decimal.Zero,
		Total:     decimal.NewFromInt(125),
		Currency:  "SAR",
		Items: []models.OrderItem{
			{ProductID: "p-1", Quantity: 2, UnitPrice: decimal.NewFromInt(50), LineTotal: decimal.NewFromInt(100)},
		},
	}

	first, err := gen.Generate(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "INV-20260309-3F2A9C1B-0000-4000-8000-000000000000", first.Number)

	gen.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	second, err := gen.Generate(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, first.Number, second.Number)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(first.Body), &body))
	assert.Equal(t, "125.00", body["total"])
	assert.Len(t, body["lines"], 1)
}
