package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/metrics"
	"fulfillment/internal/repository"
	"fulfillment/models"
	"fulfillment/pkg/money"
)

const currencyPlaces = 2

// Settlement credits sellers for paid orders. Each order is settled at most
// once; the repository enforces it with a unique order id.
type Settlement struct {
	repo            repository.CommissionRepository
	payoutThreshold decimal.Decimal
	logger          *zap.Logger
	now             func() time.Time
}

func NewSettlement(repo repository.CommissionRepository, payoutThreshold decimal.Decimal, logger *zap.Logger) *Settlement {
	return &Settlement{repo: repo, payoutThreshold: payoutThreshold, logger: logger, now: time.Now}
}

// Settle books commission = round(total * rate) and credits the seller with
// the remainder. A second call for the same order returns the first record.
func (s *Settlement) Settle(ctx context.Context, order *models.Order) (*models.CommissionRecord, error) {
	existing, err := s.repo.GetCommissionByOrder(ctx, order.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	seller, err := s.repo.GetSeller(ctx, order.SellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seller %s: %w", order.SellerID, err)
	}

	commission := money.Percent(order.Total, seller.CommissionRate, currencyPlaces)
	now := s.now()
	rec := &models.CommissionRecord{
		ID:               uuid.NewString(),
		SellerID:         order.SellerID,
		OrderID:          order.ID,
		GrossAmount:      order.Total,
		CommissionRate:   seller.CommissionRate,
		CommissionAmount: commission,
		NetAmount:        order.Total.Sub(commission),
		Status:           models.CommissionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := s.repo.CreateCommission(ctx, rec, s.payoutThreshold)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race with a concurrent settle of the same order.
		return s.repo.GetCommissionByOrder(ctx, order.ID)
	}

	metrics.RecordCommission("settled")
	s.logger.Info("Commission settled",
		zap.String("order_id", order.ID),
		zap.String("seller_id", order.SellerID),
		zap.String("gross", rec.GrossAmount.StringFixed(2)),
		zap.String("commission", rec.CommissionAmount.StringFixed(2)),
		zap.String("net", rec.NetAmount.StringFixed(2)))
	return rec, nil
}

// Reverse takes back the seller's share of a refunded amount. Refunding the
// whole remaining gross reverses the record; a smaller amount shrinks it.
func (s *Settlement) Reverse(ctx context.Context, orderID string, amount decimal.Decimal) error {
	rec, err := s.repo.GetCommissionByOrder(ctx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status == models.CommissionReversed || !amount.IsPositive() {
		return nil
	}

	adj := models.CommissionAdjustment{OrderID: orderID}
	if amount.GreaterThanOrEqual(rec.GrossAmount) {
		adj.Full = true
		adj.Gross = rec.GrossAmount
		adj.Commission = rec.CommissionAmount
		adj.Net = rec.NetAmount
	} else {
		adj.Gross = amount
		adj.Commission = money.Round(rec.CommissionAmount.Mul(amount).Div(rec.GrossAmount), currencyPlaces)
		adj.Net = amount.Sub(adj.Commission)
	}

	err = s.repo.AdjustCommission(ctx, adj, s.payoutThreshold)
	if errors.Is(err, apperr.ErrIdempotencyConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	action := "partially_reversed"
	if adj.Full {
		action = "reversed"
	}
	metrics.RecordCommission(action)
	s.logger.Info("Commission reversed",
		zap.String("order_id", orderID),
		zap.String("seller_id", rec.SellerID),
		zap.Bool("full", adj.Full),
		zap.String("net", adj.Net.StringFixed(2)))
	return nil
}

type SellerBalance struct {
	SellerID        string                    `json:"seller_id"`
	Balance         decimal.Decimal           `json:"balance"`
	TotalSales      decimal.Decimal           `json:"total_sales"`
	TotalCommission decimal.Decimal           `json:"total_commission"`
	PayoutThreshold decimal.Decimal           `json:"payout_threshold"`
	PayoutEligible  bool                      `json:"payout_eligible"`
	Commissions     []models.CommissionRecord `json:"commissions"`
}

func (s *Settlement) Balance(ctx context.Context, sellerID string) (*SellerBalance, error) {
	seller, err := s.repo.GetSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListCommissions(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	return &SellerBalance{
		SellerID:        seller.ID,
		Balance:         seller.Balance,
		TotalSales:      seller.TotalSales,
		TotalCommission: seller.TotalCommission,
		PayoutThreshold: s.payoutThreshold,
		PayoutEligible:  seller.PayoutEligible,
		Commissions:     records,
	}, nil
}

// Record returns the order's commission record, or apperr.ErrNotFound.
func (s *Settlement) Record(ctx context.Context, orderID string) (*models.CommissionRecord, error) {
	return s.repo.GetCommissionByOrder(ctx, orderID)
}
