package registry

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	"github.com/angelmondragon/orderflow/pkg/events"
)

// EventDescriptor links an event type to its topic and payload schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	Topic          string
	PayloadFactory func() events.Payload
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Payload    events.Payload
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError signals the reprocessor should stop retrying a row.
type NonRetryableError struct {
	Err error
}

// Error implements error.
func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewEventRegistry builds the registry with the configured topic names.
func NewEventRegistry(cfg config.BusConfig) (*EventRegistry, error) {
	if strings.TrimSpace(cfg.OrderEventsTopic) == "" {
		return nil, fmt.Errorf("order events topic is required")
	}
	if strings.TrimSpace(cfg.DeliveryEventsTopic) == "" {
		return nil, fmt.Errorf("delivery events topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		{
			EventType:      enums.EventOrderCreated,
			Topic:          cfg.OrderEventsTopic,
			PayloadFactory: func() events.Payload { return &events.OrderCreated{} },
		},
		{
			EventType:      enums.EventDeliveryStatusChanged,
			Topic:          cfg.DeliveryEventsTopic,
			PayloadFactory: func() events.Payload { return &events.DeliveryStatusChanged{} },
		},
	} {
		reg.register(desc)
	}
	return reg, nil
}

func (r *EventRegistry) register(desc EventDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.EventType] = desc
}

// Topic returns the topic events of eventType are published to.
func (r *EventRegistry) Topic(eventType enums.OutboxEventType) (string, bool) {
	desc, ok := r.entries[eventType]
	if !ok {
		return "", false
	}
	return desc.Topic, true
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(record models.OutboxRecord) (*ResolvedEvent, error) {
	desc, ok := r.entries[record.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", record.EventType))
	}
	if strings.TrimSpace(record.AggregateID) == "" {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	trimmed := bytes.TrimSpace(record.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", record.EventType))
	}

	payload := desc.PayloadFactory()
	if err := events.Decode(record.Payload, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", record.EventType, err))
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Payload:    payload,
	}, nil
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}
