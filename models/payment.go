package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionInitiated TransactionStatus = "initiated"
	TransactionPending   TransactionStatus = "pending"
	TransactionPaid      TransactionStatus = "paid"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// Open reports whether the transaction still awaits a final outcome.
func (s TransactionStatus) Open() bool {
	return s == TransactionInitiated || s == TransactionPending
}

// Installment is one entry of a BNPL repayment schedule. Informational only.
type Installment struct {
	Sequence int             `json:"sequence"`
	Amount   decimal.Decimal `json:"amount"`
	DueDate  time.Time       `json:"due_date"`
}

// PaymentTransaction is keyed by (provider, reference); webhook and polling
// paths both resolve to the same row.
type PaymentTransaction struct {
	Provider       string            `gorm:"column:provider;primaryKey" json:"provider"`
	Reference      string            `gorm:"column:reference;primaryKey" json:"reference"`
	CheckoutID     string            `gorm:"column:checkout_id;index" json:"checkout_id"`
	OrderIDs       []string          `gorm:"column:order_ids;type:jsonb;serializer:json" json:"order_ids"`
	Amount         decimal.Decimal   `gorm:"column:amount;type:numeric(14,2);not null" json:"amount"`
	RefundedAmount decimal.Decimal   `gorm:"column:refunded_amount;type:numeric(14,2);not null;default:0" json:"refunded_amount"`
	Currency       string            `gorm:"column:currency;not null" json:"currency"`
	Status         TransactionStatus `gorm:"column:status;not null" json:"status"`
	IdempotencyKey string            `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key"`
	Signature      string            `gorm:"column:signature" json:"-"`
	RawPayload     string            `gorm:"column:raw_payload;type:text" json:"-"`
	RedirectURL    string            `gorm:"column:redirect_url" json:"redirect_url,omitempty"`
	Installments   []Installment     `gorm:"column:installments;type:jsonb;serializer:json" json:"installments,omitempty"`
	PaidAt         *time.Time        `gorm:"column:paid_at" json:"paid_at,omitempty"`
	CreatedAt      time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

// TransactionUpdate carries optional changes applied with a status transition.
type TransactionUpdate struct {
	Signature      *string
	RawPayload     *string
	PaidAt         *time.Time
	RefundedAmount *decimal.Decimal
}

func (u TransactionUpdate) Columns() map[string]any {
	cols := map[string]any{}
	if u.Signature != nil {
		cols["signature"] = *u.Signature
	}
	if u.RawPayload != nil {
		cols["raw_payload"] = *u.RawPayload
	}
	if u.PaidAt != nil {
		cols["paid_at"] = *u.PaidAt
	}
	if u.RefundedAmount != nil {
		cols["refunded_amount"] = *u.RefundedAmount
	}
	return cols
}

func (u TransactionUpdate) Apply(tx *PaymentTransaction) {
	if u.Signature != nil {
		tx.Signature = *u.Signature
	}
	if u.RawPayload != nil {
		tx.RawPayload = *u.RawPayload
	}
	if u.PaidAt != nil {
		t := *u.PaidAt
		tx.PaidAt = &t
	}
	if u.RefundedAmount != nil {
		tx.RefundedAmount = *u.RefundedAmount
	}
}
