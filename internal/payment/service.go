package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/metrics"
	"fulfillment/internal/repository"
	"fulfillment/models"
	"fulfillment/pkg/money"
)

// Outcome reports the transaction after a callback or poll. Applied is true
// only for the call that performed the status transition.
type Outcome struct {
	Transaction *models.PaymentTransaction
	Applied     bool
}

// Service keeps PaymentTransaction rows in step with the providers.
type Service struct {
	registry *Registry
	repo     repository.PaymentRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(registry *Registry, repo repository.PaymentRepository, logger *zap.Logger) *Service {
	return &Service{registry: registry, repo: repo, logger: logger, now: time.Now}
}

func (s *Service) Registry() *Registry { return s.registry }

// Initiate opens a single transaction covering every order of a checkout.
func (s *Service) Initiate(ctx context.Context, method, checkoutID string, orders []*models.Order, customer Customer) (*models.PaymentTransaction, error) {
	gw, err := s.registry.Get(method)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("checkout %s has no orders to pay", checkoutID)
	}

	amounts := make([]decimal.Decimal, 0, len(orders))
	orderIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		amounts = append(amounts, o.Total)
		orderIDs = append(orderIDs, o.ID)
	}
	amount := money.Sum(amounts...)

	resp, err := gw.Initiate(ctx, InitiateRequest{
		CheckoutID:     checkoutID,
		OrderIDs:       orderIDs,
		Amount:         amount,
		Currency:       orders[0].Currency,
		Customer:       customer,
		IdempotencyKey: checkoutID,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	tx := &models.PaymentTransaction{
		Provider:       gw.Name(),
		Reference:      resp.Reference,
		CheckoutID:     checkoutID,
		OrderIDs:       orderIDs,
		Amount:         amount,
		RefundedAmount: decimal.Zero,
		Currency:       orders[0].Currency,
		Status:         resp.Status,
		IdempotencyKey: checkoutID,
		RedirectURL:    resp.RedirectURL,
		Installments:   resp.Installments,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, apperr.ErrIdempotencyConflict) {
			return s.repo.GetTransaction(ctx, tx.Provider, tx.Reference)
		}
		return nil, err
	}
	return tx, nil
}

func (s *Service) Transaction(ctx context.Context, provider, reference string) (*models.PaymentTransaction, error) {
	return s.repo.GetTransaction(ctx, provider, reference)
}

// HandleCallback verifies a pushed provider notification and applies it.
// Nothing in payload is read before the signature checks out.
func (s *Service) HandleCallback(ctx context.Context, provider string, payload []byte, signature string) (*Outcome, error) {
	gw, err := s.registry.Get(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	}
	cb, err := gw.VerifyCallback(payload, signature)
	if err != nil {
		metrics.RecordPaymentCallback(provider, "invalid_signature")
		s.logger.Warn("Rejected payment callback", zap.String("provider", provider), zap.Error(err))
		return nil, err
	}

	tx, err := s.repo.GetTransaction(ctx, provider, cb.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s/%s: %w", provider, cb.Reference, err)
	}
	if cb.Status == models.TransactionPaid && !cb.Amount.Equal(tx.Amount) {
		metrics.RecordPaymentCallback(provider, "amount_mismatch")
		s.logger.Error("Callback amount does not match transaction",
			zap.String("provider", provider),
			zap.String("reference", cb.Reference),
			zap.String("expected", tx.Amount.String()),
			zap.String("received", cb.Amount.String()))
		return nil, apperr.ErrAmountMismatch
	}

	raw := string(payload)
	outcome, err := s.converge(ctx, tx, cb.Status, cb.PaidAt, models.TransactionUpdate{
		Signature:  &signature,
		RawPayload: &raw,
	})
	if err != nil {
		return nil, err
	}
	result := "applied"
	if !outcome.Applied {
		result = "duplicate"
	}
	metrics.RecordPaymentCallback(provider, result)
	return outcome, nil
}

// Refresh polls the provider for an open transaction. Closed transactions
// are returned as they are.
func (s *Service) Refresh(ctx context.Context, provider, reference string) (*Outcome, error) {
	tx, err := s.repo.GetTransaction(ctx, provider, reference)
	if err != nil {
		return nil, err
	}
	if !tx.Status.Open() {
		return &Outcome{Transaction: tx}, nil
	}
	gw, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	res, err := gw.QueryStatus(ctx, reference)
	if err != nil {
		return nil, err
	}
	if res.Status == models.TransactionPaid && !res.Amount.Equal(tx.Amount) {
		return nil, apperr.ErrAmountMismatch
	}
	return s.converge(ctx, tx, res.Status, res.PaidAt, models.TransactionUpdate{})
}

// converge is the single guarded transition both the webhook and the
// polling path go through. The loser of a race observes Applied=false.
func (s *Service) converge(ctx context.Context, tx *models.PaymentTransaction, status models.TransactionStatus, paidAt *time.Time, upd models.TransactionUpdate) (*Outcome, error) {
	var from []models.TransactionStatus
	switch status {
	case models.TransactionPaid, models.TransactionFailed:
		from = []models.TransactionStatus{models.TransactionInitiated, models.TransactionPending}
		if status == models.TransactionPaid {
			at := s.now()
			if paidAt != nil {
				at = *paidAt
			}
			upd.PaidAt = &at
		}
	case models.TransactionPending:
		from = []models.TransactionStatus{models.TransactionInitiated}
	case models.TransactionRefunded:
		from = []models.TransactionStatus{models.TransactionPaid}
		full := tx.Amount
		upd.RefundedAmount = &full
	default:
		return &Outcome{Transaction: tx}, nil
	}

	applied, err := s.repo.TransitionTransaction(ctx, tx.Provider, tx.Reference, from, status, upd)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.logger.Info("Payment transition already applied",
			zap.String("provider", tx.Provider),
			zap.String("reference", tx.Reference),
			zap.String("status", string(status)))
		current, err := s.repo.GetTransaction(ctx, tx.Provider, tx.Reference)
		if err != nil {
			return nil, err
		}
		return &Outcome{Transaction: current}, nil
	}

	upd.Apply(tx)
	tx.Status = status
	s.logger.Info("Payment transaction transitioned",
		zap.String("provider", tx.Provider),
		zap.String("reference", tx.Reference),
		zap.String("status", string(status)))
	return &Outcome{Transaction: tx, Applied: true}, nil
}

// Refund returns amount of a paid transaction to the shopper. The amount is
// reserved against the transaction before the provider is called, so
// concurrent refunds can never exceed the captured amount.
func (s *Service) Refund(ctx context.Context, provider, reference string, amount decimal.Decimal, reason string) (*RefundResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s must be positive", apperr.ErrInvalidRefund, amount)
	}
	tx, err := s.repo.GetTransaction(ctx, provider, reference)
	if err != nil {
		return nil, err
	}
	gw, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	before, err := s.repo.ReserveRefund(ctx, provider, reference, amount)
	if err != nil {
		return nil, err
	}

	res, err := gw.Refund(ctx, RefundRequest{
		Reference:      reference,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: refundKey(reference, before, amount),
	})
	if err != nil {
		if relErr := s.repo.ReleaseRefund(context.WithoutCancel(ctx), provider, reference, amount); relErr != nil {
			s.logger.Error("Failed to release refund reservation",
				zap.String("provider", provider),
				zap.String("reference", reference),
				zap.String("amount", amount.StringFixed(2)),
				zap.Error(relErr))
		}
		return nil, err
	}

	if before.Add(amount).Equal(tx.Amount) {
		if _, err := s.repo.TransitionTransaction(ctx, provider, reference,
			[]models.TransactionStatus{models.TransactionPaid}, models.TransactionRefunded, models.TransactionUpdate{}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// refundKey identifies one refund by the refunded total it starts from. A
// retry after a failed call starts from the same total and reuses the key.
func refundKey(reference string, before, amount decimal.Decimal) string {
	return fmt.Sprintf("refund-%s-%s-%s", reference, before.StringFixed(2), amount.StringFixed(2))
}
