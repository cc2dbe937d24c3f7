// Package payment holds the provider adapters and the transaction
// bookkeeping that webhook and polling paths converge on.
package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/models"
)

// Payment method names accepted at checkout.
const (
	MethodCard           = "card"
	MethodWallet         = "wallet"
	MethodSplitIn4       = "split_in_4"
	MethodPayIn3         = "pay_in_3"
	MethodCashOnDelivery = "cod"
)

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type InitiateRequest struct {
	CheckoutID     string
	OrderIDs       []string
	Amount         decimal.Decimal
	Currency       string
	Customer       Customer
	IdempotencyKey string
}

type InitiateResponse struct {
	Reference    string
	RedirectURL  string
	Status       models.TransactionStatus
	Installments []models.Installment
}

// Callback is a verified provider notification.
type Callback struct {
	Reference string
	Status    models.TransactionStatus
	Amount    decimal.Decimal
	Currency  string
	PaidAt    *time.Time
}

type StatusResult struct {
	Reference string
	Status    models.TransactionStatus
	Amount    decimal.Decimal
	PaidAt    *time.Time
}

// RefundRequest carries the key the provider deduplicates on. Retries of
// one logical refund reuse it; distinct refunds never share it.
type RefundRequest struct {
	Reference      string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

type RefundResult struct {
	RefundReference string
	Amount          decimal.Decimal
}

// Gateway is implemented once per external provider.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)
	// VerifyCallback authenticates payload against signature before any
	// field of it is trusted. Returns apperr.ErrInvalidSignature on mismatch.
	VerifyCallback(payload []byte, signature string) (*Callback, error)
	QueryStatus(ctx context.Context, reference string) (*StatusResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}
