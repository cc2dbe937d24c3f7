package workers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fulfillment/internal/apperr"
	"fulfillment/internal/cart"
	"fulfillment/internal/checkout"
	"fulfillment/internal/commission"
	"fulfillment/internal/inventory"
	"fulfillment/internal/invoice"
	"fulfillment/internal/memory"
	"fulfillment/internal/notify"
	"fulfillment/internal/orders"
	"fulfillment/internal/payment"
	"fulfillment/internal/queue"
	"fulfillment/models"
)

const webhookSecret = "whsec"

type provider struct {
	mu      sync.Mutex
	state   string
	broken  bool
	refunds int
}

func (p *provider) set(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

func (p *provider) refundCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunds
}

func (p *provider) handler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/checkouts":
		_, _ = w.Write([]byte(`{"charge_id":"ch_1","state":"initiated"}`))
	case p.broken:
		w.WriteHeader(http.StatusServiceUnavailable)
	case r.Method == http.MethodGet:
		_, _ = fmt.Fprintf(w, `{"charge_id":"ch_1","state":%q,"amount":"260.00","captured_at":"2026-04-01T10:00:00Z"}`, p.state)
	default:
		p.refunds++
		_, _ = fmt.Fprintf(w, `{"refund_id":"rf_%d"}`, p.refunds)
	}
}

type flakyInvoices struct {
	*memory.Store
	failures int
}

func (f *flakyInvoices) SaveInvoice(ctx context.Context, inv *models.Invoice) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.Store.SaveInvoice(ctx, inv)
}

// flakySteps loses the record of one step once, as if the process died
// right after the step ran.
type flakySteps struct {
	*memory.Store
	mu       sync.Mutex
	failOnce string
}

func (f *flakySteps) MarkStepDone(ctx context.Context, orderID, step string) error {
	f.mu.Lock()
	if step == f.failOnce {
		f.failOnce = ""
		f.mu.Unlock()
		return errors.New("process killed")
	}
	f.mu.Unlock()
	return f.Store.MarkStepDone(ctx, orderID, step)
}

type harness struct {
	store    *memory.Store
	provider *provider
	queue    *queue.MemoryQueue
	ledger   *inventory.Ledger
	payments *payment.Service
	settle   *commission.Settlement
	recorder *notify.Recorder
	invoices *flakyInvoices
	steps    *flakySteps
	checkout *checkout.Orchestrator
	worker   *OrderWorker
}

func newHarness(t *testing.T, holdFor time.Duration) *harness {
	h := &harness{
		store:    memory.NewStore(),
		provider: &provider{state: "initiated"},
		queue:    queue.NewMemoryQueue(64),
		recorder: &notify.Recorder{},
	}
	srv := httptest.NewServer(http.HandlerFunc(h.provider.handler))
	t.Cleanup(srv.Close)
	logger := zaptest.NewLogger(t)

	h.store.SetStock("p-a1", 5)
	h.store.SetStock("p-a2", 5)
	h.store.SetStock("p-b1", 5)
	h.store.PutSeller(models.Seller{ID: "seller-a", CommissionRate: decimal.RequireFromString("0.10")})
	h.store.PutSeller(models.Seller{ID: "seller-b", CommissionRate: decimal.RequireFromString("0.12")})
	h.store.PutAddress(models.Address{
		ID: "addr-1", ShopperID: "shopper-1", FullName: "Sara Ali", Line1: "King Fahd Rd 1",
		City: "Riyadh", Country: "SA", Phone: "+966500000000",
	})

	h.ledger = inventory.NewLedger(h.store, logger)
	gw := payment.NewCardGateway(payment.HostedConfig{BaseURL: srv.URL, WebhookSecret: webhookSecret, MaxFailures: 100}, logger)
	h.payments = payment.NewService(payment.NewRegistry(gw, payment.CashOnDelivery{}), h.store, logger)
	h.settle = commission.NewSettlement(h.store, decimal.NewFromInt(1000), logger)
	h.invoices = &flakyInvoices{Store: h.store}
	h.steps = &flakySteps{Store: h.store}
	lifecycle := orders.NewService(h.store, h.ledger, h.payments, h.settle, h.recorder, logger)

	h.checkout = checkout.NewOrchestrator(
		cart.NewAggregator(h.ledger, logger), h.ledger, h.store, h.store, h.payments,
		checkout.DefaultRateTable(), h.queue,
		checkout.Config{Currency: "SAR", TaxRate: decimal.RequireFromString("0.15"), ReservationTTL: holdFor},
		logger,
	)
	h.worker = NewOrderWorker(OrderWorkerDeps{
		Orders:      h.store,
		Steps:       h.steps,
		Ledger:      h.ledger,
		Payments:    h.payments,
		Lifecycle:   lifecycle,
		Invoices:    invoice.NewGenerator(h.invoices, logger),
		Commissions: h.settle,
		Dispatcher:  h.recorder,
	}, 15*time.Minute, logger)
	return h
}

// place checks out seller-a (60 + 40) and seller-b (2 x 50); each order
// totals 100 + 15 tax + 15 shipping = 130.
func (h *harness) place(t *testing.T, method string) *checkout.Result {
	res, err := h.checkout.Checkout(context.Background(), checkout.Request{
		ShopperID: "shopper-1",
		Lines: []models.CartLine{
			{ProductID: "p-a1", SellerID: "seller-a", Quantity: 1, UnitPrice: decimal.NewFromInt(60)},
			{ProductID: "p-b1", SellerID: "seller-b", Quantity: 2, UnitPrice: decimal.NewFromInt(50)},
			{ProductID: "p-a2", SellerID: "seller-a", Quantity: 1, UnitPrice: decimal.NewFromInt(40)},
		},
		ShippingAddressID: "addr-1",
		PaymentMethod:     method,
		ShippingOption:    "standard",
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	return res
}

func (h *harness) stock(t *testing.T, productID string) models.Stock {
	st, err := h.store.GetStock(context.Background(), productID)
	require.NoError(t, err)
	return *st
}

func (h *harness) order(t *testing.T, id string) *models.Order {
	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestOrderWorker_ProcessesPaidOrder(t *testing.T) {
	h := newHarness(t, 15*time.Minute)
	res := h.place(t, payment.MethodCard)
	h.provider.set("captured")
	ctx := context.Background()

	for _, o := range res.Orders {
		require.NoError(t, h.worker.Process(ctx, o.ID))
	}

	a := h.order(t, res.Orders[0].ID)
	assert.Equal(t, models.OrderStatusProcessing, a.Status)
	assert.Equal(t, models.PaymentStatusPaid, a.PaymentStatus)
	assert.NotEmpty(t, a.InvoiceNumber)
	assert.NotNil(t, a.ProcessedAt)
	assert.Equal(t, models.Stock{ProductID: "p-b1", OnHand: 3, Reserved: 0}, withoutTime(h.stock(t, "p-b1")))

	recA, err := h.settle.Record(ctx, res.Orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "13.00", recA.CommissionAmount.StringFixed(2))
	recB, err := h.settle.Record(ctx, res.Orders[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "15.60", recB.CommissionAmount.StringFixed(2))
	assert.Equal(t, "114.40", recB.NetAmount.StringFixed(2))

	assert.Equal(t, 2, h.recorder.Count(notify.TemplateOrderConfirmed))
	assert.Equal(t, 2, h.recorder.Count(notify.TemplateSellerNewOrder))
}

func TestOrderWorker_RerunAfterCrashDoesNotDecrementTwice(t *testing.T) {
	h := newHarness(t, 15*time.Minute)
	res := h.place(t, payment.MethodCard)
	h.provider.set("captured")
	h.steps.failOnce = StepDecrementStock
	h.invoices.failures = 1
	ctx := context.Background()
	orderID := res.Orders[1].ID

	// Decrement runs but its completion is never recorded.
	require.Error(t, h.worker.Process(ctx, orderID))
	assert.Equal(t, 3, h.stock(t, "p-b1").OnHand)

	// Decrement is repeated, then the invoice write fails.
	err := h.worker.Process(ctx, orderID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), StepInvoice)
	assert.Equal(t, 3, h.stock(t, "p-b1").OnHand)

	require.NoError(t, h.worker.Process(ctx, orderID))
	require.NoError(t, h.worker.Process(ctx, orderID))

	assert.Equal(t, models.Stock{ProductID: "p-b1", OnHand: 3, Reserved: 0}, withoutTime(h.stock(t, "p-b1")))
	movements, err := h.ledger.Movements(ctx, "p-b1")
	require.NoError(t, err)
	decrements := 0
	for _, mv := range movements {
		if mv.Type == models.MovementDecrement {
			decrements++
		}
	}
	assert.Equal(t, 1, decrements)
	assert.Equal(t, models.OrderStatusProcessing, h.order(t, orderID).Status)
	assert.Equal(t, 1, h.recorder.Count(notify.TemplateOrderConfirmed))
}

func TestOrderWorker_FailedPaymentCancelsAndReleases(t *testing.T) {
	h := newHarness(t, 15*time.Minute)
	res := h.place(t, payment.MethodCard)
	h.provider.set("declined")
	ctx := context.Background()

	for _, o := range res.Orders {
		require.NoError(t, h.worker.Process(ctx, o.ID))
	}

	for _, o := range res.Orders {
		got := h.order(t, o.ID)
		assert.Equal(t, models.OrderStatusCancelled, got.Status)
		assert.Equal(t, models.PaymentStatusFailed, got.PaymentStatus)
	}
	assert.Equal(t, 5, h.stock(t, "p-b1").OnHand)
	assert.Equal(t, 0, h.stock(t, "p-b1").Reserved)
	assert.Equal(t, 2, h.recorder.Count(notify.TemplateOrderCancelled))
	assert.Equal(t, 0, h.recorder.Count(notify.TemplateOrderConfirmed))
}

func TestOrderWorker_PendingPaymentIsDeferred(t *testing.T) {
	h := newHarness(t, 15*time.Minute)
	res := h.place(t, payment.MethodCard)
	h.provider.set("authorized")

	err := h.worker.Process(context.Background(), res.Orders[0].ID)

	assert.ErrorIs(t, err, apperr.ErrPaymentPending)
	assert.Equal(t, models.OrderStatusPending, h.order(t, res.Orders[0].ID).Status)
}

func (h *harness) dropPaymentReference(t *testing.T, orderID string) {
	empty := ""
	require.NoError(t, h.store.UpdateOrder(context.Background(), orderID, models.OrderUpdate{PaymentReference: &empty}))
}

func TestOrderWorker_MissingPaymentReferenceIsDeferred(t *testing.T) {
	h := newHarness(t, 15*time.Minute)
	res := h.place(t, payment.MethodCard)
	orderID := res.Orders[0].ID
	h.dropPaymentReference(t, orderID)

	err := h.worker.Process(context.Background(), orderID)

	assert.ErrorIs(t, err, apperr.ErrPaymentPending)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, models.OrderStatusPending, h.order(t, orderID).Status)
}

func TestOrderWorker_MissingPaymentReferenceCancelsOnceHoldsLapse(t *testing.T) {
	h := newHarness(t, -time.Second)
	res := h.place(t, payment.MethodCard)
	orderID := res.Orders[0].ID
	h.dropPaymentReference(t, orderID)

	require.NoError(t, h.worker.Process(context.Background(), orderID))

	got := h.order(t, orderID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, reasonReservationExpired, got.FailureReason)
	assert.Equal(t, 5, h.stock(t, "p-a1").Available())
}

func TestOrderWorker_DuplicateWebhookSettlesOnce(t *testing.T) {
	h := newHarness(t, 15*time.Minute)
	res := h.place(t, payment.MethodCard)
	ctx := context.Background()

	payload := []byte(`{"charge_id":"ch_1","state":"captured","amount":"260.00"}`)
	sig, err := payment.Sign(webhookSecret, payload)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.payments.HandleCallback(ctx, payment.MethodCard, payload, sig)
			assert.NoError(t, err)
			for _, o := range res.Orders {
				_ = h.worker.Process(ctx, o.ID)
			}
		}()
	}
	wg.Wait()
	for _, o := range res.Orders {
		require.NoError(t, h.worker.Process(ctx, o.ID))
	}

	for _, seller := range []string{"seller-a", "seller-b"} {
		bal, err := h.settle.Balance(ctx, seller)
		require.NoError(t, err)
		assert.Len(t, bal.Commissions, 1, seller)
	}
	bal, err := h.settle.Balance(ctx, "seller-a")
	require.NoError(t, err)
	assert.Equal(t, "117.00", bal.Balance.StringFixed(2))
}

func TestOrderWorker_CashOnDeliverySkipsCommission(t *testing.T) {
	h := newHarness(t, 15*time.Minute)
	res := h.place(t, payment.MethodCashOnDelivery)
	ctx := context.Background()

	require.NoError(t, h.worker.Process(ctx, res.Orders[0].ID))

	got := h.order(t, res.Orders[0].ID)
	assert.Equal(t, models.OrderStatusProcessing, got.Status)
	assert.Equal(t, models.PaymentStatusCashOnDelivery, got.PaymentStatus)
	_, err := h.settle.Record(ctx, got.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOrderWorker_ExpiredReservationCancelsThenRefundsLatePayment(t *testing.T) {
	h := newHarness(t, -time.Second)
	res := h.place(t, payment.MethodCard)
	h.provider.set("authorized")
	ctx := context.Background()
	orderID := res.Orders[0].ID

	require.NoError(t, h.worker.Process(ctx, orderID))
	got := h.order(t, orderID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, reasonReservationExpired, got.FailureReason)
	assert.Equal(t, 5, h.stock(t, "p-a1").Available())

	h.provider.set("captured")
	require.NoError(t, h.worker.Process(ctx, orderID))
	require.NoError(t, h.worker.Process(ctx, orderID))

	got = h.order(t, orderID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, models.PaymentStatusRefunded, got.PaymentStatus)
	assert.Equal(t, "130.00", got.RefundedAmount.StringFixed(2))
	assert.Equal(t, 1, h.provider.refundCount())
}

func TestOrderWorker_ExpiredReservationOfPaidOrderIsRetaken(t *testing.T) {
	h := newHarness(t, -time.Second)
	res := h.place(t, payment.MethodCard)
	h.provider.set("captured")

	require.NoError(t, h.worker.Process(context.Background(), res.Orders[1].ID))

	assert.Equal(t, models.OrderStatusProcessing, h.order(t, res.Orders[1].ID).Status)
	assert.Equal(t, models.Stock{ProductID: "p-b1", OnHand: 3, Reserved: 0}, withoutTime(h.stock(t, "p-b1")))
}

func withoutTime(st models.Stock) models.Stock {
	st.UpdatedAt = time.Time{}
	return st
}
