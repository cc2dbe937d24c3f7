package models

import "time"

// OrderJob is the message payload on the fulfillment queue
type OrderJob struct {
	OrderID    string    `json:"order_id"`
	Attempt    int       `json:"attempt"`     // 0 on first delivery
	Reason     string    `json:"reason"`      // checkout | webhook | sweep | retry | deferred
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NotificationEvent is published for the notification service
type NotificationEvent struct {
	RecipientID string         `json:"recipient_id"`
	Template    string         `json:"template"`
	Data        map[string]any `json:"data"`
	CreatedAt   time.Time      `json:"created_at"`
}

// OrderFact is the row exported to the warehouse once an order is processed
type OrderFact struct {
	OrderID    string
	SellerID   string
	ShopperID  string
	DateKey    string // ddMMYYYY
	Subtotal   float64
	Tax        float64
	Shipping   float64
	Discount   float64
	Total      float64
	Commission float64
	Currency   string
	EventType  string // processed | cancelled | refunded
	EventTime  time.Time
}
