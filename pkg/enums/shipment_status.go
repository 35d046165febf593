package enums

import "fmt"

// ShipmentStatus is the lifecycle of a shipment in the delivery service. The
// same values travel on the wire in DeliveryStatusChanged events.
type ShipmentStatus string

const (
	ShipmentStatusPending   ShipmentStatus = "Pending"
	ShipmentStatusShipped   ShipmentStatus = "Shipped"
	ShipmentStatusDelivered ShipmentStatus = "Delivered"
	ShipmentStatusCancelled ShipmentStatus = "Cancelled"
)

var validShipmentStatuses = []ShipmentStatus{
	ShipmentStatusPending,
	ShipmentStatusShipped,
	ShipmentStatusDelivered,
	ShipmentStatusCancelled,
}

// IsValid reports whether the value matches a known shipment status.
func (s ShipmentStatus) IsValid() bool {
	for _, candidate := range validShipmentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseShipmentStatus converts raw input into ShipmentStatus.
func ParseShipmentStatus(value string) (ShipmentStatus, error) {
	for _, candidate := range validShipmentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid shipment status %q", value)
}

func (s ShipmentStatus) String() string {
	return string(s)
}
