package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/circuitbreaker"
	"fulfillment/models"
)

const maxResponseBytes = 1 << 20

// Profile describes how one provider names things on the wire. Field names
// may be dotted paths into nested objects.
type Profile struct {
	Name           string
	ReferenceField string
	StatusField    string
	AmountField    string
	CurrencyField  string
	PaidAtField    string
	RefundField    string
	Statuses       map[string]models.TransactionStatus
	// Schedule is set for installment providers.
	Schedule func(amount decimal.Decimal, start time.Time) []models.Installment
}

type HostedConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxFailures   int
	ResetTimeout  time.Duration
}

// HostedGateway talks to a hosted-checkout provider over HTTP JSON.
type HostedGateway struct {
	profile Profile
	cfg     HostedConfig
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time
}

func NewHostedGateway(profile Profile, cfg HostedConfig, logger *zap.Logger) *HostedGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &HostedGateway{
		profile: profile,
		cfg:     cfg,
		client:  &http.Client{},
		breaker: circuitbreaker.NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout,
			circuitbreaker.WithFailurePredicate(providerUnhealthy)),
		logger: logger.With(zap.String("provider", profile.Name)),
		now:    time.Now,
	}
}

func providerUnhealthy(err error) bool {
	return errors.Is(err, apperr.ErrGateway) || errors.Is(err, apperr.ErrGatewayTimeout)
}

func (g *HostedGateway) Name() string { return g.profile.Name }

func (g *HostedGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	body := map[string]any{
		"amount":             req.Amount.StringFixed(2),
		"currency":           req.Currency,
		"merchant_reference": req.CheckoutID,
		"order_ids":          req.OrderIDs,
		"customer":           req.Customer,
	}
	var installments []models.Installment
	if g.profile.Schedule != nil {
		installments = g.profile.Schedule(req.Amount, g.now())
		body["installments"] = installments
	}

	resp, err := g.call(ctx, "initiate", http.MethodPost, "/v1/checkouts", req.IdempotencyKey, body)
	if err != nil {
		return nil, err
	}
	reference := stringField(resp, g.profile.ReferenceField)
	if reference == "" {
		return nil, apperr.NewGatewayError(g.profile.Name, "initiate", 0, errors.New("response carries no reference"))
	}
	status, ok := g.status(stringField(resp, g.profile.StatusField))
	if !ok {
		status = models.TransactionInitiated
	}

	g.logger.Info("Payment initiated",
		zap.String("checkout_id", req.CheckoutID),
		zap.String("reference", reference),
		zap.String("amount", req.Amount.StringFixed(2)))

	return &InitiateResponse{
		Reference:    reference,
		RedirectURL:  stringField(resp, "redirect_url"),
		Status:       status,
		Installments: installments,
	}, nil
}

func (g *HostedGateway) VerifyCallback(payload []byte, signature string) (*Callback, error) {
	if err := Verify(g.cfg.WebhookSecret, payload, signature); err != nil {
		return nil, err
	}
	fields, err := decodeObject(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidSignature, err)
	}
	reference := stringField(fields, g.profile.ReferenceField)
	if reference == "" {
		return nil, fmt.Errorf("%w: callback carries no reference", apperr.ErrInvalidSignature)
	}
	status, ok := g.status(stringField(fields, g.profile.StatusField))
	if !ok {
		status = models.TransactionPending
	}
	amount, err := decimalField(fields, g.profile.AmountField)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidSignature, err)
	}
	return &Callback{
		Reference: reference,
		Status:    status,
		Amount:    amount,
		Currency:  stringField(fields, g.profile.CurrencyField),
		PaidAt:    timeField(fields, g.profile.PaidAtField),
	}, nil
}

func (g *HostedGateway) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	resp, err := g.call(ctx, "query_status", http.MethodGet, "/v1/checkouts/"+url.PathEscape(reference), "", nil)
	if err != nil {
		return nil, err
	}
	status, ok := g.status(stringField(resp, g.profile.StatusField))
	if !ok {
		status = models.TransactionPending
	}
	amount, err := decimalField(resp, g.profile.AmountField)
	if err != nil {
		return nil, apperr.NewGatewayError(g.profile.Name, "query_status", 0, err)
	}
	return &StatusResult{
		Reference: reference,
		Status:    status,
		Amount:    amount,
		PaidAt:    timeField(resp, g.profile.PaidAtField),
	}, nil
}

func (g *HostedGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	body := map[string]any{
		"amount": req.Amount.StringFixed(2),
		"reason": req.Reason,
	}
	resp, err := g.call(ctx, "refund", http.MethodPost, "/v1/checkouts/"+url.PathEscape(req.Reference)+"/refunds", req.IdempotencyKey, body)
	if err != nil {
		return nil, err
	}
	refundRef := stringField(resp, g.profile.RefundField)
	if refundRef == "" {
		return nil, apperr.NewGatewayError(g.profile.Name, "refund", 0, errors.New("response carries no refund reference"))
	}
	g.logger.Info("Payment refunded",
		zap.String("reference", req.Reference),
		zap.String("refund_reference", refundRef),
		zap.String("amount", req.Amount.StringFixed(2)))
	return &RefundResult{RefundReference: refundRef, Amount: req.Amount}, nil
}

func (g *HostedGateway) status(raw string) (models.TransactionStatus, bool) {
	s, ok := g.profile.Statuses[raw]
	if !ok {
		s, ok = g.profile.Statuses[strings.ToLower(raw)]
	}
	return s, ok
}

func (g *HostedGateway) call(ctx context.Context, op, method, path, idempotencyKey string, in any) (map[string]any, error) {
	var out map[string]any
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.do(ctx, op, method, path, idempotencyKey, in)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, apperr.NewGatewayError(g.profile.Name, op, 0, err)
	}
	if err != nil {
		g.logger.Warn("Gateway call failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (g *HostedGateway) do(ctx context.Context, op, method, path, idempotencyKey string, in any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apperr.NewGatewayError(g.profile.Name, op, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.NewGatewayError(g.profile.Name, op, resp.StatusCode, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, apperr.NewGatewayError(g.profile.Name, op, resp.StatusCode, errors.New(strings.TrimSpace(string(raw))))
	case resp.StatusCode >= 400:
		// The provider rejected the request itself; retrying will not help.
		return nil, &apperr.GatewayError{
			Provider:   g.profile.Name,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %s", apperr.ErrPaymentFailed, strings.TrimSpace(string(raw))),
		}
	}

	out, err := decodeObject(raw)
	if err != nil {
		return nil, apperr.NewGatewayError(g.profile.Name, op, resp.StatusCode, err)
	}
	return out, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

func lookup(fields map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringField(fields map[string]any, path string) string {
	v, ok := lookup(fields, path)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func decimalField(fields map[string]any, path string) (decimal.Decimal, error) {
	raw := stringField(fields, path)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("field %s is missing", path)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %s: %w", path, err)
	}
	return d, nil
}

func timeField(fields map[string]any, path string) *time.Time {
	raw := stringField(fields, path)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
