package enums

import "fmt"

// OrderStatus is the lifecycle of an order as seen by the sales service.
type OrderStatus string

const (
	OrderStatusPendingShipment OrderStatus = "PendingShipment"
	OrderStatusShipped         OrderStatus = "Shipped"
	OrderStatusDelivered       OrderStatus = "Delivered"
	OrderStatusCancelled       OrderStatus = "Cancelled"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPendingShipment,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// IsValid reports whether the value matches a known order status.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOrderStatus converts raw input into OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}

func (s OrderStatus) String() string {
	return string(s)
}

// OrderStatusFromShipment maps a delivery-side status onto the order lifecycle.
func OrderStatusFromShipment(status ShipmentStatus) (OrderStatus, error) {
	switch status {
	case ShipmentStatusPending:
		return OrderStatusPendingShipment, nil
	case ShipmentStatusShipped:
		return OrderStatusShipped, nil
	case ShipmentStatusDelivered:
		return OrderStatusDelivered, nil
	case ShipmentStatusCancelled:
		return OrderStatusCancelled, nil
	}
	return "", fmt.Errorf("no order status for shipment status %q", status)
}
