package enums

import "fmt"

// OutboxEventType identifies the payload stored on an outbox record.
type OutboxEventType string

const (
	EventOrderCreated          OutboxEventType = "order_created"
	EventDeliveryStatusChanged OutboxEventType = "delivery_status_changed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventDeliveryStatusChanged,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}

func (e OutboxEventType) String() string {
	return string(e)
}

// OutboxStatus tracks a record through the reprocessing sweep.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusCompleted  OutboxStatus = "completed"
	OutboxStatusFailed     OutboxStatus = "failed"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusProcessing,
	OutboxStatusCompleted,
	OutboxStatusFailed,
}

// IsValid reports whether the value matches a known outbox status.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}

func (s OutboxStatus) String() string {
	return string(s)
}
