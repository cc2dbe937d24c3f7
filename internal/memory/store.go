// Package memory implements every repository contract in process. A single
// mutex guards all state, so each guarded mutation is atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/internal/apperr"
	"fulfillment/internal/repository"
	"fulfillment/models"
)

var (
	_ repository.InventoryRepository  = (*Store)(nil)
	_ repository.OrderRepository      = (*Store)(nil)
	_ repository.PaymentRepository    = (*Store)(nil)
	_ repository.CommissionRepository = (*Store)(nil)
	_ repository.StepRepository       = (*Store)(nil)
	_ repository.AddressRepository    = (*Store)(nil)
	_ repository.InvoiceRepository    = (*Store)(nil)
)

type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	stocks       map[string]*models.Stock
	reservations map[string]*models.Reservation
	movements    []models.InventoryMovement
	orders       map[string]*models.Order
	orderSeq     []string
	transactions map[string]*models.PaymentTransaction
	sellers      map[string]*models.Seller
	commissions  map[string]*models.CommissionRecord // by order id
	steps        map[string]time.Time
	addresses    map[string]models.Address
	invoices     map[string]*models.Invoice // by order id
}

func NewStore() *Store {
	return &Store{
		now:          time.Now,
		stocks:       map[string]*models.Stock{},
		reservations: map[string]*models.Reservation{},
		orders:       map[string]*models.Order{},
		transactions: map[string]*models.PaymentTransaction{},
		sellers:      map[string]*models.Seller{},
		commissions:  map[string]*models.CommissionRecord{},
		steps:        map[string]time.Time{},
		addresses:    map[string]models.Address{},
		invoices:     map[string]*models.Invoice{},
	}
}

// SetStock seeds the counter for a product.
func (s *Store) SetStock(productID string, onHand int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stocks[productID] = &models.Stock{ProductID: productID, OnHand: onHand, UpdatedAt: s.now()}
}

func (s *Store) PutSeller(seller models.Seller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sellers[seller.ID] = &seller
}

func (s *Store) PutAddress(addr models.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[addr.ID] = addr
}

// Inventory

func (s *Store) GetStock(ctx context.Context, productID string) (*models.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stocks[productID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ReserveStock(ctx context.Context, res *models.Reservation, mv *models.InventoryMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stocks[res.ProductID]
	if !ok {
		return &apperr.StockError{ProductID: res.ProductID, Requested: res.Quantity}
	}
	if st.Available() < res.Quantity {
		return &apperr.StockError{ProductID: res.ProductID, Requested: res.Quantity, Available: st.Available()}
	}
	st.Reserved += res.Quantity
	st.UpdatedAt = s.now()
	cp := *res
	s.reservations[res.ID] = &cp
	s.appendMovement(mv)
	return nil
}

func (s *Store) CommitReservation(ctx context.Context, reservationID string, mv *models.InventoryMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[reservationID]
	if !ok || res.Status != models.ReservationActive {
		return apperr.ErrReservationInactive
	}
	st := s.stocks[res.ProductID]
	if st == nil || st.Reserved < res.Quantity || st.OnHand < res.Quantity {
		return &apperr.StockError{ProductID: res.ProductID, Requested: res.Quantity}
	}
	st.OnHand -= res.Quantity
	st.Reserved -= res.Quantity
	st.UpdatedAt = s.now()
	res.Status = models.ReservationCommitted
	res.UpdatedAt = s.now()
	s.appendMovement(mv)
	return nil
}

func (s *Store) DecrementStock(ctx context.Context, mv *models.InventoryMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qty := -mv.Delta
	st, ok := s.stocks[mv.ProductID]
	if !ok {
		return &apperr.StockError{ProductID: mv.ProductID, Requested: qty}
	}
	if st.Available() < qty {
		return &apperr.StockError{ProductID: mv.ProductID, Requested: qty, Available: st.Available()}
	}
	st.OnHand -= qty
	st.UpdatedAt = s.now()
	s.appendMovement(mv)
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, reservationID string, mv *models.InventoryMovement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[reservationID]
	if !ok || res.Status != models.ReservationActive {
		return false, nil
	}
	st := s.stocks[res.ProductID]
	st.Reserved -= res.Quantity
	st.UpdatedAt = s.now()
	res.Status = models.ReservationReleased
	res.UpdatedAt = s.now()
	s.appendMovement(mv)
	return true, nil
}

func (s *Store) AdjustStock(ctx context.Context, mv *models.InventoryMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stocks[mv.ProductID]
	if !ok {
		st = &models.Stock{ProductID: mv.ProductID}
		s.stocks[mv.ProductID] = st
	}
	if st.OnHand+mv.Delta < st.Reserved {
		return &apperr.StockError{ProductID: mv.ProductID, Requested: -mv.Delta, Available: st.Available()}
	}
	st.OnHand += mv.Delta
	st.UpdatedAt = s.now()
	s.appendMovement(mv)
	return nil
}

func (s *Store) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[reservationID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (s *Store) ListReservations(ctx context.Context, reference string) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.Reference == reference {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.Status == models.ReservationActive && r.Expired(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HasMovement(ctx context.Context, productID, reference string, kind models.MovementType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mv := range s.movements {
		if mv.ProductID == productID && mv.Reference == reference && mv.Type == kind {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string) ([]models.InventoryMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InventoryMovement
	for _, mv := range s.movements {
		if mv.ProductID == productID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (s *Store) appendMovement(mv *models.InventoryMovement) {
	mv.ID = uint(len(s.movements) + 1)
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = s.now()
	}
	s.movements = append(s.movements, *mv)
}

// Orders

func (s *Store) CreateOrders(ctx context.Context, orders []*models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		if _, exists := s.orders[o.ID]; exists {
			return apperr.ErrIdempotencyConflict
		}
	}
	for _, o := range orders {
		s.orders[o.ID] = cloneOrder(o)
		s.orderSeq = append(s.orderSeq, o.ID)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) ListOrdersByCheckout(ctx context.Context, checkoutID string) ([]models.Order, error) {
	return s.listOrders(func(o *models.Order) bool { return o.CheckoutID == checkoutID }), nil
}

func (s *Store) ListOrdersByPayment(ctx context.Context, reference string) ([]models.Order, error) {
	return s.listOrders(func(o *models.Order) bool { return o.PaymentReference == reference }), nil
}

func (s *Store) listOrders(match func(*models.Order) bool) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, id := range s.orderSeq {
		if o := s.orders[id]; match(o) {
			out = append(out, *cloneOrder(o))
		}
	}
	return out
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, upd models.OrderUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, apperr.ErrNotFound
	}
	matched := false
	for _, f := range from {
		if o.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	o.Status = to
	upd.Apply(o)
	o.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) UpdateOrder(ctx context.Context, id string, upd models.OrderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return apperr.ErrNotFound
	}
	upd.Apply(o)
	o.UpdatedAt = s.now()
	return nil
}

func cloneOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp
}

// Payments

func txKey(provider, reference string) string { return provider + "/" + reference }

func (s *Store) CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := txKey(tx.Provider, tx.Reference)
	if _, exists := s.transactions[key]; exists {
		return apperr.ErrIdempotencyConflict
	}
	cp := *tx
	cp.OrderIDs = append([]string(nil), tx.OrderIDs...)
	s.transactions[key] = &cp
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, provider, reference string) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[txKey(provider, reference)]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *tx
	cp.OrderIDs = append([]string(nil), tx.OrderIDs...)
	return &cp, nil
}

func (s *Store) TransitionTransaction(ctx context.Context, provider, reference string, from []models.TransactionStatus, to models.TransactionStatus, upd models.TransactionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[txKey(provider, reference)]
	if !ok {
		return false, apperr.ErrNotFound
	}
	for _, f := range from {
		if tx.Status == f {
			tx.Status = to
			upd.Apply(tx)
			tx.UpdatedAt = s.now()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ReserveRefund(ctx context.Context, provider, reference string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[txKey(provider, reference)]
	if !ok {
		return decimal.Zero, apperr.ErrNotFound
	}
	if tx.Status != models.TransactionPaid {
		return decimal.Zero, fmt.Errorf("%w: transaction %s is %s", apperr.ErrInvalidRefund, reference, tx.Status)
	}
	remaining := tx.Amount.Sub(tx.RefundedAmount)
	if amount.GreaterThan(remaining) {
		return decimal.Zero, fmt.Errorf("%w: %s of %s remaining", apperr.ErrInvalidRefund, amount, remaining)
	}
	before := tx.RefundedAmount
	tx.RefundedAmount = before.Add(amount)
	tx.UpdatedAt = s.now()
	return before, nil
}

func (s *Store) ReleaseRefund(ctx context.Context, provider, reference string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[txKey(provider, reference)]
	if !ok {
		return apperr.ErrNotFound
	}
	tx.RefundedAmount = decimal.Max(tx.RefundedAmount.Sub(amount), decimal.Zero)
	tx.UpdatedAt = s.now()
	return nil
}

// Commissions

func (s *Store) GetSeller(ctx context.Context, id string) (*models.Seller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seller, ok := s.sellers[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *seller
	return &cp, nil
}

func (s *Store) GetCommissionByOrder(ctx context.Context, orderID string) (*models.CommissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.commissions[orderID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) ListCommissions(ctx context.Context, sellerID string) ([]models.CommissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CommissionRecord
	for _, rec := range s.commissions {
		if rec.SellerID == sellerID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateCommission(ctx context.Context, rec *models.CommissionRecord, payoutThreshold decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commissions[rec.OrderID]; exists {
		return false, nil
	}
	seller, ok := s.sellers[rec.SellerID]
	if !ok {
		return false, apperr.ErrNotFound
	}
	cp := *rec
	s.commissions[rec.OrderID] = &cp
	seller.Balance = seller.Balance.Add(rec.NetAmount)
	seller.TotalSales = seller.TotalSales.Add(rec.GrossAmount)
	seller.TotalCommission = seller.TotalCommission.Add(rec.CommissionAmount)
	seller.PayoutEligible = seller.Balance.GreaterThanOrEqual(payoutThreshold)
	seller.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) AdjustCommission(ctx context.Context, adj models.CommissionAdjustment, payoutThreshold decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.commissions[adj.OrderID]
	if !ok {
		return apperr.ErrNotFound
	}
	if rec.Status == models.CommissionReversed {
		return apperr.ErrIdempotencyConflict
	}
	seller := s.sellers[rec.SellerID]
	if adj.Full {
		rec.Status = models.CommissionReversed
	} else {
		rec.GrossAmount = rec.GrossAmount.Sub(adj.Gross)
		rec.CommissionAmount = rec.CommissionAmount.Sub(adj.Commission)
		rec.NetAmount = rec.NetAmount.Sub(adj.Net)
	}
	rec.UpdatedAt = s.now()
	seller.Balance = seller.Balance.Sub(adj.Net)
	seller.TotalSales = seller.TotalSales.Sub(adj.Gross)
	seller.TotalCommission = seller.TotalCommission.Sub(adj.Commission)
	seller.PayoutEligible = seller.Balance.GreaterThanOrEqual(payoutThreshold)
	seller.UpdatedAt = s.now()
	return nil
}

// Steps

func (s *Store) StepDone(ctx context.Context, orderID, step string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.steps[orderID+"/"+step]
	return ok, nil
}

func (s *Store) MarkStepDone(ctx context.Context, orderID, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[orderID+"/"+step]; !ok {
		s.steps[orderID+"/"+step] = s.now()
	}
	return nil
}

// Addresses and invoices

func (s *Store) GetAddress(ctx context.Context, shopperID, addressID string) (*models.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.addresses[addressID]
	if !ok || addr.ShopperID != shopperID {
		return nil, apperr.ErrNotFound
	}
	return &addr, nil
}

func (s *Store) GetInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[orderID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *Store) SaveInvoice(ctx context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[inv.OrderID]; exists {
		return apperr.ErrIdempotencyConflict
	}
	for _, other := range s.invoices {
		if other.Number == inv.Number {
			return fmt.Errorf("invoice number %s already issued to order %s", inv.Number, other.OrderID)
		}
	}
	cp := *inv
	s.invoices[inv.OrderID] = &cp
	return nil
}
