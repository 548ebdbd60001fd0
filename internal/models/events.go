package models

import "time"

// Event types
const (
	EventTypeReservationCreated  = "RESERVATION_CREATED"
	EventTypeReservationReleased = "RESERVATION_RELEASED"
	EventTypeReservationExpired  = "RESERVATION_EXPIRED"
	EventTypeOrderCommitted      = "ORDER_COMMITTED"
	EventTypePaymentConfirmed    = "PAYMENT_CONFIRMED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationCreatedEvent published when a hold is placed
type ReservationCreatedEvent struct {
	BaseEvent
	ReservationID string         `json:"reservation_id"`
	SessionID     string         `json:"session_id"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Items         []ItemQuantity `json:"items"`
}

// ReservationClosedEvent published when a hold is released or expires
type ReservationClosedEvent struct {
	BaseEvent
	ReservationID string            `json:"reservation_id"`
	Status        ReservationStatus `json:"status"`
	Items         []ItemQuantity    `json:"items"`
}

// OrderCommittedEvent published when a reservation becomes an order
type OrderCommittedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	ReservationID string          `json:"reservation_id"`
	Total         int64           `json:"total"`
	Items         []OrderItemData `json:"items"`
}

// PaymentConfirmedEvent is consumed from the payment layer
type PaymentConfirmedEvent struct {
	BaseEvent
	ReservationID       string  `json:"reservation_id"`
	PaymentConfirmation string  `json:"payment_confirmation"`
	ShippingAddress     Address `json:"shipping_address"`
}

// ItemQuantity represents a product line in events
type ItemQuantity struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
