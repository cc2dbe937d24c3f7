// Package cart turns a shopper's basket into per-seller groups ready for
// checkout.
package cart

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/models"
)

// StockReader is the read side of the inventory ledger.
type StockReader interface {
	Available(ctx context.Context, productID string) (int, error)
}

// SellerGroup is the slice of a basket one seller will fulfil.
type SellerGroup struct {
	SellerID string
	Lines    []models.CartLine
}

func (g SellerGroup) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range g.Lines {
		total = total.Add(l.LineTotal())
	}
	return total
}

func (g SellerGroup) Weight() decimal.Decimal {
	total := decimal.Zero
	for _, l := range g.Lines {
		total = total.Add(l.Weight())
	}
	return total
}

type Aggregator struct {
	stock  StockReader
	logger *zap.Logger
}

func NewAggregator(stock StockReader, logger *zap.Logger) *Aggregator {
	return &Aggregator{stock: stock, logger: logger}
}

// Group validates lines, merges repeated products and splits the result by
// seller. Groups keep the order in which each seller first appears.
func (a *Aggregator) Group(ctx context.Context, lines []models.CartLine) ([]SellerGroup, error) {
	if len(lines) == 0 {
		return nil, apperr.ErrEmptyCart
	}

	merged, err := merge(lines)
	if err != nil {
		return nil, err
	}

	for _, l := range merged {
		available, err := a.stock.Available(ctx, l.ProductID)
		if err != nil {
			return nil, fmt.Errorf("failed to check stock of %s: %w", l.ProductID, err)
		}
		if available < l.Quantity {
			return nil, &apperr.StockError{ProductID: l.ProductID, Requested: l.Quantity, Available: available}
		}
	}

	var groups []SellerGroup
	index := map[string]int{}
	for _, l := range merged {
		i, ok := index[l.SellerID]
		if !ok {
			i = len(groups)
			index[l.SellerID] = i
			groups = append(groups, SellerGroup{SellerID: l.SellerID})
		}
		groups[i].Lines = append(groups[i].Lines, l)
	}

	a.logger.Debug("Basket grouped",
		zap.Int("lines", len(merged)),
		zap.Int("sellers", len(groups)))
	return groups, nil
}

func merge(lines []models.CartLine) ([]models.CartLine, error) {
	var out []models.CartLine
	index := map[string]int{}
	for _, l := range lines {
		if err := validate(l); err != nil {
			return nil, err
		}
		i, seen := index[l.ProductID]
		if !seen {
			index[l.ProductID] = len(out)
			out = append(out, l)
			continue
		}
		prev := &out[i]
		if prev.SellerID != l.SellerID {
			return nil, fmt.Errorf("%w: product %s listed under sellers %s and %s",
				apperr.ErrInvalidCartLine, l.ProductID, prev.SellerID, l.SellerID)
		}
		if !prev.UnitPrice.Equal(l.UnitPrice) {
			return nil, fmt.Errorf("%w: product %s has conflicting prices", apperr.ErrInvalidCartLine, l.ProductID)
		}
		prev.Quantity += l.Quantity
	}
	return out, nil
}

func validate(l models.CartLine) error {
	switch {
	case strings.TrimSpace(l.ProductID) == "":
		return fmt.Errorf("%w: product id is required", apperr.ErrInvalidCartLine)
	case strings.TrimSpace(l.SellerID) == "":
		return fmt.Errorf("%w: product %s has no seller", apperr.ErrInvalidCartLine, l.ProductID)
	case l.Quantity <= 0:
		return fmt.Errorf("%w: product %s quantity %d", apperr.ErrInvalidCartLine, l.ProductID, l.Quantity)
	case l.UnitPrice.IsNegative():
		return fmt.Errorf("%w: product %s has a negative price", apperr.ErrInvalidCartLine, l.ProductID)
	case l.UnitWeightKg.IsNegative():
		return fmt.Errorf("%w: product %s has a negative weight", apperr.ErrInvalidCartLine, l.ProductID)
	}
	return nil
}
