package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/repository"
	"fulfillment/models"
)

type line struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type document struct {
	Number    string         `json:"number"`
	OrderID   string         `json:"order_id"`
	SellerID  string         `json:"seller_id"`
	ShopperID string         `json:"shopper_id"`
	BillTo    models.Address `json:"bill_to"`
	ShipTo    models.Address `json:"ship_to"`
	Lines     []line         `json:"lines"`
	Subtotal  string         `json:"subtotal"`
	Tax       string         `json:"tax"`
	Shipping  string         `json:"shipping"`
	Discount  string         `json:"discount"`
	Total     string         `json:"total"`
	Currency  string         `json:"currency"`
	IssuedAt  time.Time      `json:"issued_at"`
}

type Generator struct {
	repo   repository.InvoiceRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewGenerator(repo repository.InvoiceRepository, logger *zap.Logger) *Generator {
	return &Generator{repo: repo, logger: logger, now: time.Now}
}

// Number formats INV-YYYYMMDD-<order id>. The whole id is kept so two
// orders never share a number.
func Number(orderID string, issued time.Time) string {
	return fmt.Sprintf("INV-%s-%s", issued.UTC().Format("20060102"), strings.ToUpper(orderID))
}

// Generate issues the order's invoice once; later calls return the stored one.
func (g *Generator) Generate(ctx context.Context, order *models.Order) (*models.Invoice, error) {
	existing, err := g.repo.GetInvoiceByOrder(ctx, order.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	issued := g.now()
	doc := document{
		Number:    Number(order.ID, issued),
		OrderID:   order.ID,
		SellerID:  order.SellerID,
		ShopperID: order.ShopperID,
		BillTo:    order.BillingAddress,
		ShipTo:    order.ShippingAddress,
		Subtotal:  order.Subtotal.StringFixed(2),
		Tax:       order.Tax.StringFixed(2),
		Shipping:  order.Shipping.StringFixed(2),
		Discount:  order.Discount.StringFixed(2),
		Total:     order.Total.StringFixed(2),
		Currency:  order.Currency,
		IssuedAt:  issued,
	}
	for _, it := range order.Items {
		doc.Lines = append(doc.Lines, line{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			LineTotal: it.LineTotal.StringFixed(2),
		})
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render invoice: %w", err)
	}

	inv := &models.Invoice{
		Number:    doc.Number,
		OrderID:   order.ID,
		SellerID:  order.SellerID,
		ShopperID: order.ShopperID,
		Total:     order.Total,
		Currency:  order.Currency,
		Body:      string(body),
		IssuedAt:  issued,
	}
	if err := g.repo.SaveInvoice(ctx, inv); err != nil {
		if errors.Is(err, apperr.ErrIdempotencyConflict) {
			return g.repo.GetInvoiceByOrder(ctx, order.ID)
		}
		return nil, err
	}

	g.logger.Info("Invoice issued", zap.String("order_id", order.ID), zap.String("invoice", inv.Number))
	return inv, nil
}
