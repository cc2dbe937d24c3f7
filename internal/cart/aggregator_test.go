package cart

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fulfillment/internal/apperr"
	"fulfillment/models"
)

type stockMap map[string]int

func (s stockMap) Available(ctx context.Context, productID string) (int, error) {
	return s[productID], nil
}

func line(product, seller string, qty int, price string) models.CartLine {
	return models.CartLine{
		ShopperID: "shopper-1",
		ProductID: product,
		SellerID:  seller,
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
	}
}

func TestAggregator_GroupsBySellerInFirstAppearanceOrder(t *testing.T) {
	agg := NewAggregator(stockMap{"a1": 5, "a2": 5, "b1": 5}, zaptest.NewLogger(t))

	groups, err := agg.Group(context.Background(), []models.CartLine{
		line("b1", "seller-b", 2, "50"),
		line("a1", "seller-a", 1, "60"),
		line("a2", "seller-a", 1, "40"),
	})

	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "seller-b", groups[0].SellerID)
	assert.Equal(t, "seller-a", groups[1].SellerID)
	assert.Len(t, groups[1].Lines, 2)
	assert.True(t, groups[0].Subtotal().Equal(decimal.NewFromInt(100)))
	assert.True(t, groups[1].Subtotal().Equal(decimal.NewFromInt(100)))
}

func TestAggregator_MergesDuplicateProducts(t *testing.T) {
	agg := NewAggregator(stockMap{"a1": 3}, zaptest.NewLogger(t))

	groups, err := agg.Group(context.Background(), []models.CartLine{
		line("a1", "seller-a", 1, "10"),
		line("a1", "seller-a", 2, "10"),
	})

	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Lines, 1)
	assert.Equal(t, 3, groups[0].Lines[0].Quantity)
}

func TestAggregator_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		lines   []models.CartLine
		wantErr error
	}{
		{name: "empty", lines: nil, wantErr: apperr.ErrEmptyCart},
		{name: "zero quantity", lines: []models.CartLine{line("a1", "seller-a", 0, "10")}, wantErr: apperr.ErrInvalidCartLine},
		{name: "negative price", lines: []models.CartLine{line("a1", "seller-a", 1, "-1")}, wantErr: apperr.ErrInvalidCartLine},
		{name: "missing seller", lines: []models.CartLine{line("a1", "", 1, "10")}, wantErr: apperr.ErrInvalidCartLine},
		{name: "conflicting sellers", lines: []models.CartLine{line("a1", "seller-a", 1, "10"), line("a1", "seller-b", 1, "10")}, wantErr: apperr.ErrInvalidCartLine},
		{name: "merged quantity exceeds stock", lines: []models.CartLine{line("a1", "seller-a", 2, "10"), line("a1", "seller-a", 2, "10")}, wantErr: apperr.ErrInsufficientStock},
	}

	agg := NewAggregator(stockMap{"a1": 3}, zaptest.NewLogger(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := agg.Group(context.Background(), tt.lines)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAggregator_StockErrorNamesProduct(t *testing.T) {
	agg := NewAggregator(stockMap{"a1": 1}, zaptest.NewLogger(t))

	_, err := agg.Group(context.Background(), []models.CartLine{line("a1", "seller-a", 2, "10")})

	var stockErr *apperr.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "a1", stockErr.ProductID)
	assert.Equal(t, 1, stockErr.Available)
}

func TestMemoryBasket(t *testing.T) {
	b := NewMemoryBasket()
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, line("b1", "seller-b", 1, "5")))
	require.NoError(t, b.Put(ctx, line("a1", "seller-a", 1, "5")))
	require.NoError(t, b.Put(ctx, line("a1", "seller-a", 4, "5")))

	lines, err := b.Lines(ctx, "shopper-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 4, lines[0].Quantity)

	require.NoError(t, b.Remove(ctx, "shopper-1", "a1"))
	lines, _ = b.Lines(ctx, "shopper-1")
	assert.Len(t, lines, 1)

	require.NoError(t, b.Clear(ctx, "shopper-1"))
	lines, _ = b.Lines(ctx, "shopper-1")
	assert.Empty(t, lines)
}
