// Package events defines the payloads exchanged between the sales and delivery
// services and the structural validation applied to them.
package events

import (
	"time"

	"github.com/angelmondragon/orderflow/pkg/enums"
)

// TimestampLayout renders millisecond precision UTC timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Item is one order line on the wire.
type Item struct {
	ProductID string  `json:"productId" validate:"required"`
	Quantity  int     `json:"quantity" validate:"min=1"`
	Price     float64 `json:"price" validate:"min=0"`
	Name      string  `json:"name,omitempty"`
}

// OrderCreated is emitted by the sales service once an order is committed.
type OrderCreated struct {
	OrderID       string  `json:"orderId,omitempty"`
	UserID        string  `json:"userId" validate:"required"`
	Items         []Item  `json:"items" validate:"required,min=1,dive"`
	Amount        float64 `json:"amount" validate:"min=0"`
	Timestamp     string  `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	CorrelationID string  `json:"correlationId" validate:"required"`
}

// DeliveryStatusChanged is emitted by the delivery service on every shipment
// transition.
type DeliveryStatusChanged struct {
	OrderID       string               `json:"orderId" validate:"required"`
	Status        enums.ShipmentStatus `json:"status" validate:"required,oneof=Pending Shipped Delivered Cancelled"`
	Timestamp     string               `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	CorrelationID string               `json:"correlationId" validate:"required"`
}

// Timestamp formats t for an event payload.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Correlation returns the causal chain id carried by the payload.
func (e OrderCreated) Correlation() string { return e.CorrelationID }

func (e DeliveryStatusChanged) Correlation() string { return e.CorrelationID }

// Payload is implemented by every event the services exchange.
type Payload interface {
	Correlation() string
}
