package payment

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment/models"
	"fulfillment/pkg/money"
)

// NewCardGateway adapts a card network acquirer (mada, visa, mastercard).
func NewCardGateway(cfg HostedConfig, logger *zap.Logger) *HostedGateway {
	return NewHostedGateway(Profile{
		Name:           MethodCard,
		ReferenceField: "charge_id",
		StatusField:    "state",
		AmountField:    "amount",
		CurrencyField:  "currency",
		PaidAtField:    "captured_at",
		RefundField:    "refund_id",
		Statuses: map[string]models.TransactionStatus{
			"initiated":  models.TransactionInitiated,
			"authorized": models.TransactionPending,
			"captured":   models.TransactionPaid,
			"declined":   models.TransactionFailed,
			"voided":     models.TransactionFailed,
			"refunded":   models.TransactionRefunded,
		},
	}, cfg, logger)
}

// NewWalletGateway adapts an instant-pay wallet.
func NewWalletGateway(cfg HostedConfig, logger *zap.Logger) *HostedGateway {
	return NewHostedGateway(Profile{
		Name:           MethodWallet,
		ReferenceField: "data.payment_id",
		StatusField:    "data.status",
		AmountField:    "data.amount.value",
		CurrencyField:  "data.amount.currency",
		PaidAtField:    "data.completed_at",
		RefundField:    "data.refund_id",
		Statuses: map[string]models.TransactionStatus{
			"CREATED":   models.TransactionInitiated,
			"PENDING":   models.TransactionPending,
			"COMPLETED": models.TransactionPaid,
			"FAILED":    models.TransactionFailed,
			"CANCELLED": models.TransactionFailed,
			"REFUNDED":  models.TransactionRefunded,
		},
	}, cfg, logger)
}

// NewSplitIn4Gateway adapts a BNPL provider collecting four installments
// two weeks apart.
func NewSplitIn4Gateway(cfg HostedConfig, logger *zap.Logger) *HostedGateway {
	return NewHostedGateway(Profile{
		Name:           MethodSplitIn4,
		ReferenceField: "session_id",
		StatusField:    "payment_status",
		AmountField:    "total_amount",
		CurrencyField:  "currency",
		PaidAtField:    "approved_at",
		RefundField:    "refund_id",
		Statuses: map[string]models.TransactionStatus{
			"created":    models.TransactionInitiated,
			"authorized": models.TransactionPending,
			"approved":   models.TransactionPaid,
			"captured":   models.TransactionPaid,
			"rejected":   models.TransactionFailed,
			"expired":    models.TransactionFailed,
			"refunded":   models.TransactionRefunded,
		},
		Schedule: func(amount decimal.Decimal, start time.Time) []models.Installment {
			return Installments(amount, 4, start, func(start time.Time, i int) time.Time {
				return start.AddDate(0, 0, 14*i)
			})
		},
	}, cfg, logger)
}

// NewPayIn3Gateway adapts a BNPL provider collecting three monthly installments.
func NewPayIn3Gateway(cfg HostedConfig, logger *zap.Logger) *HostedGateway {
	return NewHostedGateway(Profile{
		Name:           MethodPayIn3,
		ReferenceField: "order_reference",
		StatusField:    "status",
		AmountField:    "order_amount",
		CurrencyField:  "currency",
		PaidAtField:    "captured_at",
		RefundField:    "refund_reference",
		Statuses: map[string]models.TransactionStatus{
			"new":            models.TransactionInitiated,
			"authorised":     models.TransactionPending,
			"captured":       models.TransactionPaid,
			"fully_captured": models.TransactionPaid,
			"declined":       models.TransactionFailed,
			"canceled":       models.TransactionFailed,
			"refunded":       models.TransactionRefunded,
		},
		Schedule: func(amount decimal.Decimal, start time.Time) []models.Installment {
			return Installments(amount, 3, start, func(start time.Time, i int) time.Time {
				return start.AddDate(0, i, 0)
			})
		},
	}, cfg, logger)
}

// Installments splits amount into n equal parts at currency precision; the
// rounding remainder is collected with the first installment.
func Installments(amount decimal.Decimal, n int, start time.Time, due func(start time.Time, i int) time.Time) []models.Installment {
	parts := money.Split(amount, n, 2)
	out := make([]models.Installment, n)
	for i, part := range parts {
		out[i] = models.Installment{
			Sequence: i + 1,
			Amount:   part,
			DueDate:  due(start, i),
		}
	}
	return out
}
