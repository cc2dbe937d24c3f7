package checkout

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"fulfillment/internal/apperr"
)

// ShippingCalculator prices delivery of one seller's parcel.
type ShippingCalculator interface {
	CalculateCost(ctx context.Context, optionID string, totalWeightKg decimal.Decimal, distanceHint string) (decimal.Decimal, error)
}

type Rate struct {
	Base  decimal.Decimal
	PerKg decimal.Decimal
}

// RateTable is a flat base + per-kg tariff per option, scaled by a
// multiplier per distance zone. Unknown zones use a multiplier of 1.
type RateTable struct {
	Rates map[string]Rate
	Zones map[string]decimal.Decimal
}

// DefaultRateTable is used when no carrier integration is configured.
func DefaultRateTable() *RateTable {
	return &RateTable{
		Rates: map[string]Rate{
			"standard": {Base: decimal.NewFromInt(15), PerKg: decimal.NewFromInt(2)},
			"express":  {Base: decimal.NewFromInt(35), PerKg: decimal.NewFromInt(4)},
			"pickup":   {Base: decimal.Zero, PerKg: decimal.Zero},
		},
		Zones: map[string]decimal.Decimal{
			"local":    decimal.NewFromInt(1),
			"domestic": decimal.RequireFromString("1.5"),
			"remote":   decimal.NewFromInt(2),
		},
	}
}

func (t *RateTable) CalculateCost(ctx context.Context, optionID string, totalWeightKg decimal.Decimal, distanceHint string) (decimal.Decimal, error) {
	rate, ok := t.Rates[optionID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", apperr.ErrInvalidShippingOption, optionID)
	}
	cost := rate.Base.Add(rate.PerKg.Mul(totalWeightKg))
	if m, ok := t.Zones[distanceHint]; ok {
		cost = cost.Mul(m)
	}
	return cost.Round(2), nil
}
