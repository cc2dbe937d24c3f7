package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fulfillment/internal/apperr"
	"fulfillment/internal/cart"
	"fulfillment/internal/inventory"
	"fulfillment/internal/memory"
	"fulfillment/internal/payment"
	"fulfillment/internal/queue"
	"fulfillment/internal/repository"
	"fulfillment/models"
)

type fixture struct {
	store *memory.Store
	queue *queue.MemoryQueue
	orch  *Orchestrator
	calls int
}

func newFixture(t *testing.T, gatewayStatus int) *fixture {
	f := &fixture{store: memory.NewStore(), queue: queue.NewMemoryQueue(16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		if gatewayStatus != http.StatusOK {
			w.WriteHeader(gatewayStatus)
			return
		}
		_, _ = w.Write([]byte(`{"charge_id":"ch_1","state":"initiated","redirect_url":"https://pay.example/ch_1"}`))
	}))
	t.Cleanup(srv.Close)

	logger := zaptest.NewLogger(t)
	f.store.SetStock("p-a1", 5)
	f.store.SetStock("p-a2", 5)
	f.store.SetStock("p-b1", 5)
	f.store.PutAddress(models.Address{
		ID: "addr-1", ShopperID: "shopper-1", FullName: "Sara Ali", Line1: "King Fahd Rd 1",
		City: "Riyadh", Country: "SA", Phone: "+966500000000",
	})

	ledger := inventory.NewLedger(f.store, logger)
	gw := payment.NewCardGateway(payment.HostedConfig{BaseURL: srv.URL, MaxFailures: 10}, logger)
	payments := payment.NewService(payment.NewRegistry(gw, payment.CashOnDelivery{}), f.store, logger)
	f.orch = NewOrchestrator(
		cart.NewAggregator(ledger, logger), ledger, f.store, f.store, payments,
		DefaultRateTable(), f.queue,
		Config{
			Currency:          "SAR",
			TaxRate:           decimal.RequireFromString("0.15"),
			ReservationTTL:    15 * time.Minute,
			CashOnDeliveryMax: decimal.NewFromInt(1000),
		},
		logger,
	)
	return f
}

func cartLine(product, seller string, qty int, price string) models.CartLine {
	return models.CartLine{
		ShopperID: "shopper-1",
		ProductID: product,
		SellerID:  seller,
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
	}
}

func twoSellerRequest(method string) Request {
	return Request{
		ShopperID: "shopper-1",
		Lines: []models.CartLine{
			cartLine("p-a1", "seller-a", 1, "60"),
			cartLine("p-b1", "seller-b", 2, "50"),
			cartLine("p-a2", "seller-a", 1, "40"),
		},
		ShippingAddressID: "addr-1",
		PaymentMethod:     method,
		ShippingOption:    "standard",
	}
}

func available(t *testing.T, store *memory.Store, productID string) int {
	st, err := store.GetStock(context.Background(), productID)
	require.NoError(t, err)
	return st.Available()
}

func TestOrchestrator_SplitsCheckoutPerSeller(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	res, err := f.orch.Checkout(context.Background(), twoSellerRequest(payment.MethodCard))

	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, "seller-a", res.Orders[0].SellerID)
	assert.Equal(t, "seller-b", res.Orders[1].SellerID)
	for _, o := range res.Orders {
		assert.Equal(t, "100.00", o.Subtotal.StringFixed(2))
		assert.Equal(t, "15.00", o.Tax.StringFixed(2))
		assert.Equal(t, "15.00", o.Shipping.StringFixed(2))
		assert.Equal(t, "130.00", o.Total.StringFixed(2))
		assert.True(t, o.Balanced())
		assert.Equal(t, models.OrderStatusPending, o.Status)
		assert.Equal(t, models.PaymentStatusPending, o.PaymentStatus)
		assert.Equal(t, "ch_1", o.PaymentReference)
		assert.Equal(t, res.CheckoutID, o.CheckoutID)
	}
	assert.Equal(t, "260.00", res.Total.StringFixed(2))
	assert.Equal(t, "https://pay.example/ch_1", res.RedirectURL)
	assert.Equal(t, 1, f.calls)

	tx, err := f.store.GetTransaction(context.Background(), payment.MethodCard, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, "260.00", tx.Amount.StringFixed(2))
	assert.ElementsMatch(t, []string{res.Orders[0].ID, res.Orders[1].ID}, tx.OrderIDs)

	assert.Equal(t, 4, available(t, f.store, "p-a1"))
	assert.Equal(t, 3, available(t, f.store, "p-b1"))

	var jobs []string
	for {
		job, ok := f.queue.TryNext()
		if !ok {
			break
		}
		jobs = append(jobs, job.OrderID)
	}
	assert.Equal(t, []string{res.Orders[0].ID, res.Orders[1].ID}, jobs)
}

func TestOrchestrator_InsufficientStockReleasesEverything(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	f.store.SetStock("p-b1", 1)

	_, err := f.orch.Checkout(context.Background(), twoSellerRequest(payment.MethodCard))

	var stockErr *apperr.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "p-b1", stockErr.ProductID)
	assert.Equal(t, 5, available(t, f.store, "p-a1"))
	assert.Equal(t, 5, available(t, f.store, "p-a2"))
	assert.Equal(t, 0, f.calls)
	_, ok := f.queue.TryNext()
	assert.False(t, ok)
}

func TestOrchestrator_GatewayFailureCancelsOrders(t *testing.T) {
	f := newFixture(t, http.StatusBadGateway)
	seq := 0
	f.orch.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}

	_, err := f.orch.Checkout(context.Background(), twoSellerRequest(payment.MethodCard))

	require.ErrorIs(t, err, apperr.ErrGateway)
	assert.Equal(t, 5, available(t, f.store, "p-a1"))
	assert.Equal(t, 5, available(t, f.store, "p-b1"))

	orders, err := f.store.ListOrdersByCheckout(context.Background(), "id-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, models.OrderStatusCancelled, o.Status)
		assert.Contains(t, o.FailureReason, "payment initiation failed")
	}
}

type failingOrderUpdates struct {
	repository.OrderRepository
}

func (failingOrderUpdates) UpdateOrder(ctx context.Context, id string, upd models.OrderUpdate) error {
	return errors.New("connection reset")
}

func TestOrchestrator_UnrecordedPaymentReferenceCancelsOrders(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	f.orch.orders = failingOrderUpdates{OrderRepository: f.store}
	seq := 0
	f.orch.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}

	_, err := f.orch.Checkout(context.Background(), twoSellerRequest(payment.MethodCard))

	require.Error(t, err)
	assert.Equal(t, 5, available(t, f.store, "p-a1"))
	assert.Equal(t, 5, available(t, f.store, "p-b1"))
	_, queued := f.queue.TryNext()
	assert.False(t, queued, "no job is enqueued for abandoned orders")

	orders, err := f.store.ListOrdersByCheckout(context.Background(), "id-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, models.OrderStatusCancelled, o.Status)
		assert.Contains(t, o.FailureReason, "payment reference not recorded")
	}
}

func TestOrchestrator_CashOnDelivery(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	res, err := f.orch.Checkout(context.Background(), twoSellerRequest(payment.MethodCashOnDelivery))

	require.NoError(t, err)
	assert.Equal(t, 0, f.calls)
	assert.Empty(t, res.PaymentReference)
	for _, o := range res.Orders {
		assert.Equal(t, models.PaymentStatusCashOnDelivery, o.PaymentStatus)
	}
}

func TestOrchestrator_CashOnDeliveryLimit(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	f.orch.cfg.CashOnDeliveryMax = decimal.NewFromInt(200)

	_, err := f.orch.Checkout(context.Background(), twoSellerRequest(payment.MethodCashOnDelivery))

	require.ErrorIs(t, err, apperr.ErrCashOnDeliveryLimit)
	assert.Equal(t, 5, available(t, f.store, "p-a1"))
}

func TestOrchestrator_FreeShippingAndDiscount(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	f.orch.cfg.FreeShippingAbove = decimal.NewFromInt(100)
	f.orch.WithDiscounts(flatDiscount("150"))

	res, err := f.orch.Checkout(context.Background(), twoSellerRequest(payment.MethodCard))

	require.NoError(t, err)
	for _, o := range res.Orders {
		assert.True(t, o.Shipping.IsZero())
		assert.Equal(t, "100.00", o.Discount.StringFixed(2), "discount is capped at the subtotal")
		assert.Equal(t, "15.00", o.Total.StringFixed(2))
		assert.True(t, o.Balanced())
	}
}

func TestOrchestrator_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		want   error
	}{
		{"empty cart", func(r *Request) { r.Lines = nil }, apperr.ErrEmptyCart},
		{"unknown method", func(r *Request) { r.PaymentMethod = "cheque" }, apperr.ErrUnsupportedPaymentMethod},
		{"missing address", func(r *Request) { r.ShippingAddressID = "" }, apperr.ErrInvalidAddress},
		{"foreign address", func(r *Request) { r.ShopperID = "shopper-2" }, apperr.ErrInvalidAddress},
		{"unknown shipping", func(r *Request) { r.ShippingOption = "drone" }, apperr.ErrInvalidShippingOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, http.StatusOK)
			req := twoSellerRequest(payment.MethodCard)
			tt.mutate(&req)

			_, err := f.orch.Checkout(context.Background(), req)

			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 5, available(t, f.store, "p-a1"))
		})
	}
}

func TestRateTable(t *testing.T) {
	table := DefaultRateTable()

	cost, err := table.CalculateCost(context.Background(), "express", decimal.RequireFromString("2.5"), "domestic")
	require.NoError(t, err)
	assert.Equal(t, "67.50", cost.StringFixed(2))

	cost, err = table.CalculateCost(context.Background(), "standard", decimal.NewFromInt(1), "moon")
	require.NoError(t, err)
	assert.Equal(t, "17.00", cost.StringFixed(2))
}

type flatDiscount string

func (d flatDiscount) Discount(ctx context.Context, shopperID, sellerID string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	return decimal.RequireFromString(string(d)), nil
}
