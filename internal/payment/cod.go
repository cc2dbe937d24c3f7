package payment

import (
	"context"

	"fulfillment/internal/apperr"
	"fulfillment/models"
)

// CashOnDelivery collects nothing online. Orders paid this way are settled
// when the courier confirms delivery.
type CashOnDelivery struct{}

func (CashOnDelivery) Name() string { return MethodCashOnDelivery }

func (CashOnDelivery) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	return &InitiateResponse{Reference: "cod-" + req.CheckoutID, Status: models.TransactionPending}, nil
}

func (CashOnDelivery) VerifyCallback(payload []byte, signature string) (*Callback, error) {
	return nil, apperr.ErrInvalidSignature
}

func (CashOnDelivery) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	return &StatusResult{Reference: reference, Status: models.TransactionPending}, nil
}

// Refund of collected cash is settled by the courier outside the system.
func (CashOnDelivery) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	return &RefundResult{RefundReference: "cod-refund-" + req.Reference, Amount: req.Amount}, nil
}
