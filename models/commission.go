package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "pending"
	CommissionSettled  CommissionStatus = "settled"
	CommissionReversed CommissionStatus = "reversed"
)

// CommissionRecord is created exactly once per paid order.
type CommissionRecord struct {
	ID               string           `gorm:"column:id;primaryKey" json:"id"`
	SellerID         string           `gorm:"column:seller_id;index;not null" json:"seller_id"`
	OrderID          string           `gorm:"column:order_id;uniqueIndex;not null" json:"order_id"`
	GrossAmount      decimal.Decimal  `gorm:"column:gross_amount;type:numeric(14,2);not null" json:"gross_amount"`
	CommissionRate   decimal.Decimal  `gorm:"column:commission_rate;type:numeric(6,4);not null" json:"commission_rate"`
	CommissionAmount decimal.Decimal  `gorm:"column:commission_amount;type:numeric(14,2);not null" json:"commission_amount"`
	NetAmount        decimal.Decimal  `gorm:"column:net_amount;type:numeric(14,2);not null" json:"net_amount"`
	Status           CommissionStatus `gorm:"column:status;not null" json:"status"`
	CreatedAt        time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (CommissionRecord) TableName() string { return "commission_records" }

// Seller holds the running balance: sum of NetAmount over non-reversed records.
type Seller struct {
	ID              string          `gorm:"column:id;primaryKey" json:"id"`
	Name            string          `gorm:"column:name" json:"name"`
	CommissionRate  decimal.Decimal `gorm:"column:commission_rate;type:numeric(6,4);not null" json:"commission_rate"`
	Balance         decimal.Decimal `gorm:"column:balance;type:numeric(14,2);not null;default:0" json:"balance"`
	TotalSales      decimal.Decimal `gorm:"column:total_sales;type:numeric(14,2);not null;default:0" json:"total_sales"`
	TotalCommission decimal.Decimal `gorm:"column:total_commission;type:numeric(14,2);not null;default:0" json:"total_commission"`
	PayoutEligible  bool            `gorm:"column:payout_eligible;not null;default:false" json:"payout_eligible"`
	UpdatedAt       time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Seller) TableName() string { return "sellers" }

// CommissionAdjustment describes a (partial) reversal of a record.
type CommissionAdjustment struct {
	OrderID    string
	Gross      decimal.Decimal
	Commission decimal.Decimal
	Net        decimal.Decimal
	Full       bool
}
