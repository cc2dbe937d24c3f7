package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusFailed     OrderStatus = "failed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusRefunded, OrderStatusFailed},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded, OrderStatusFailed},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded, OrderStatusFailed},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionTo reports whether the order state machine allows s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded, OrderStatusFailed:
		return true
	}
	return false
}

// Cancellable lists the states an order may be cancelled or refunded from.
var Cancellable = []OrderStatus{OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing}

type PaymentStatus string

const (
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusCashOnDelivery    PaymentStatus = "cod_due"
)

// Order is the per-seller slice of a checkout.
type Order struct {
	ID               string          `gorm:"column:id;primaryKey" json:"id"`
	CheckoutID       string          `gorm:"column:checkout_id;index" json:"checkout_id"`
	ShopperID        string          `gorm:"column:shopper_id;index" json:"shopper_id"`
	SellerID         string          `gorm:"column:seller_id;index" json:"seller_id"`
	Status           OrderStatus     `gorm:"column:status;not null" json:"status"`
	Subtotal         decimal.Decimal `gorm:"column:subtotal;type:numeric(14,2);not null" json:"subtotal"`
	Tax              decimal.Decimal `gorm:"column:tax;type:numeric(14,2);not null" json:"tax"`
	Shipping         decimal.Decimal `gorm:"column:shipping;type:numeric(14,2);not null" json:"shipping"`
	Discount         decimal.Decimal `gorm:"column:discount;type:numeric(14,2);not null" json:"discount"`
	Total            decimal.Decimal `gorm:"column:total;type:numeric(14,2);not null" json:"total"`
	RefundedAmount   decimal.Decimal `gorm:"column:refunded_amount;type:numeric(14,2);not null;default:0" json:"refunded_amount"`
	Currency         string          `gorm:"column:currency;not null" json:"currency"`
	PaymentMethod    string          `gorm:"column:payment_method;not null" json:"payment_method"`
	PaymentStatus    PaymentStatus   `gorm:"column:payment_status;not null" json:"payment_status"`
	ShippingOption   string          `gorm:"column:shipping_option" json:"shipping_option"`
	ShippingAddress  Address         `gorm:"column:shipping_address;type:jsonb;serializer:json" json:"shipping_address"`
	BillingAddress   Address         `gorm:"column:billing_address;type:jsonb;serializer:json" json:"billing_address"`
	PaymentReference string          `gorm:"column:payment_reference;index" json:"payment_reference,omitempty"`
	InvoiceNumber    string          `gorm:"column:invoice_number" json:"invoice_number,omitempty"`
	TrackingCode     string          `gorm:"column:tracking_code" json:"tracking_code,omitempty"`
	FailureReason    string          `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at" json:"updated_at"`
	ProcessedAt      *time.Time      `gorm:"column:processed_at" json:"processed_at,omitempty"`
	PaidAt           *time.Time      `gorm:"column:paid_at" json:"paid_at,omitempty"`
	ShippedAt        *time.Time      `gorm:"column:shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt      *time.Time      `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
	Items            []OrderItem     `gorm:"foreignKey:OrderID" json:"items"`
}

func (Order) TableName() string { return "orders" }

// Balanced reports whether total == subtotal + tax + shipping - discount.
func (o Order) Balanced() bool {
	return o.Total.Equal(o.Subtotal.Add(o.Tax).Add(o.Shipping).Sub(o.Discount))
}

func (o Order) IsCashOnDelivery() bool {
	return o.PaymentStatus == PaymentStatusCashOnDelivery
}

// OrderItem is frozen at checkout; catalog changes never touch it.
type OrderItem struct {
	ID           uint            `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	OrderID      string          `gorm:"column:order_id;index;not null" json:"order_id"`
	ProductID    string          `gorm:"column:product_id;not null" json:"product_id"`
	Name         string          `gorm:"column:name" json:"name,omitempty"`
	Quantity     int             `gorm:"column:quantity;not null" json:"quantity"`
	UnitPrice    decimal.Decimal `gorm:"column:unit_price;type:numeric(14,2);not null" json:"unit_price"`
	LineTotal    decimal.Decimal `gorm:"column:line_total;type:numeric(14,2);not null" json:"line_total"`
	UnitWeightKg decimal.Decimal `gorm:"column:unit_weight_kg;type:numeric(10,3);not null;default:0" json:"unit_weight_kg"`
}

func (OrderItem) TableName() string { return "order_items" }

// OrderUpdate carries the optional column changes applied with a transition.
type OrderUpdate struct {
	PaymentStatus    *PaymentStatus
	PaymentReference *string
	InvoiceNumber    *string
	TrackingCode     *string
	FailureReason    *string
	RefundedAmount   *decimal.Decimal
	ProcessedAt      *time.Time
	PaidAt           *time.Time
	ShippedAt        *time.Time
	DeliveredAt      *time.Time
}

// Columns returns the update as a column map.
func (u OrderUpdate) Columns() map[string]any {
	cols := map[string]any{}
	if u.PaymentStatus != nil {
		cols["payment_status"] = *u.PaymentStatus
	}
	if u.PaymentReference != nil {
		cols["payment_reference"] = *u.PaymentReference
	}
	if u.InvoiceNumber != nil {
		cols["invoice_number"] = *u.InvoiceNumber
	}
	if u.TrackingCode != nil {
		cols["tracking_code"] = *u.TrackingCode
	}
	if u.FailureReason != nil {
		cols["failure_reason"] = *u.FailureReason
	}
	if u.RefundedAmount != nil {
		cols["refunded_amount"] = *u.RefundedAmount
	}
	if u.ProcessedAt != nil {
		cols["processed_at"] = *u.ProcessedAt
	}
	if u.PaidAt != nil {
		cols["paid_at"] = *u.PaidAt
	}
	if u.ShippedAt != nil {
		cols["shipped_at"] = *u.ShippedAt
	}
	if u.DeliveredAt != nil {
		cols["delivered_at"] = *u.DeliveredAt
	}
	return cols
}

// Apply copies the set fields onto o.
func (u OrderUpdate) Apply(o *Order) {
	if u.PaymentStatus != nil {
		o.PaymentStatus = *u.PaymentStatus
	}
	if u.PaymentReference != nil {
		o.PaymentReference = *u.PaymentReference
	}
	if u.InvoiceNumber != nil {
		o.InvoiceNumber = *u.InvoiceNumber
	}
	if u.TrackingCode != nil {
		o.TrackingCode = *u.TrackingCode
	}
	if u.FailureReason != nil {
		o.FailureReason = *u.FailureReason
	}
	if u.RefundedAmount != nil {
		o.RefundedAmount = *u.RefundedAmount
	}
	if u.ProcessedAt != nil {
		t := *u.ProcessedAt
		o.ProcessedAt = &t
	}
	if u.PaidAt != nil {
		t := *u.PaidAt
		o.PaidAt = &t
	}
	if u.ShippedAt != nil {
		t := *u.ShippedAt
		o.ShippedAt = &t
	}
	if u.DeliveredAt != nil {
		t := *u.DeliveredAt
		o.DeliveredAt = &t
	}
}

// Invoice is the billing artifact generated once an order is processing.
type Invoice struct {
	OrderID   string          `gorm:"column:order_id;primaryKey" json:"order_id"`
	Number    string          `gorm:"column:number;uniqueIndex;not null" json:"number"`
	SellerID  string          `gorm:"column:seller_id;not null" json:"seller_id"`
	ShopperID string          `gorm:"column:shopper_id;not null" json:"shopper_id"`
	Total     decimal.Decimal `gorm:"column:total;type:numeric(14,2);not null" json:"total"`
	Currency  string          `gorm:"column:currency;not null" json:"currency"`
	Body      string          `gorm:"column:body;type:jsonb" json:"body"`
	IssuedAt  time.Time       `gorm:"column:issued_at" json:"issued_at"`
}

func (Invoice) TableName() string { return "invoices" }

// JobStep marks one completed worker step for an order.
type JobStep struct {
	OrderID     string    `gorm:"column:order_id;primaryKey"`
	Step        string    `gorm:"column:step;primaryKey"`
	CompletedAt time.Time `gorm:"column:completed_at"`
}

func (JobStep) TableName() string { return "order_job_steps" }
