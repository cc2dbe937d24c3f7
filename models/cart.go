package models

import "github.com/shopspring/decimal"

// CartLine is one basket entry with the price seen by the shopper.
type CartLine struct {
	ShopperID    string          `json:"shopper_id"`
	ProductID    string          `json:"product_id"`
	SellerID     string          `json:"seller_id"`
	Name         string          `json:"name,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitWeightKg decimal.Decimal `json:"unit_weight_kg"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l CartLine) Weight() decimal.Decimal {
	return l.UnitWeightKg.Mul(decimal.NewFromInt(int64(l.Quantity)))
}
