package shipments

import (
	"context"
	"fmt"

	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/events"
	"github.com/angelmondragon/orderflow/pkg/logger"
)

// Consumer turns order-events into shipments.
type Consumer struct {
	service    Service
	subscriber bus.Subscriber
	topic      string
	group      string
	logg       *logger.Logger
}

func NewConsumer(service Service, subscriber bus.Subscriber, topic, group string, logg *logger.Logger) (*Consumer, error) {
	if service == nil {
		return nil, fmt.Errorf("shipments service required")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required")
	}
	if topic == "" || group == "" {
		return nil, fmt.Errorf("topic and group required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{service: service, subscriber: subscriber, topic: topic, group: group, logg: logg}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = c.logg.WithFields(ctx, map[string]any{"topic": c.topic, "group": c.group})
	c.logg.Info(ctx, "order events consumer started")
	return c.subscriber.Subscribe(ctx, c.topic, c.group, c.Handle)
}

// Handle processes one OrderCreated event. Any error leaves the message
// unacknowledged.
func (c *Consumer) Handle(ctx context.Context, msg bus.Message) error {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"topic":       msg.Topic,
		"message_key": msg.Key,
	})

	var evt events.OrderCreated
	if err := events.Decode(msg.Payload, &evt); err != nil {
		c.logg.Error(logCtx, "invalid order event", err)
		return err
	}

	result, err := c.service.HandleOrderCreated(ctx, evt)
	if err != nil {
		c.logg.Error(c.logg.WithFields(logCtx, map[string]any{
			"order_id":       evt.OrderID,
			"correlation_id": evt.CorrelationID,
		}), "order event handling failed", err)
		return err
	}

	c.logg.Debug(c.logg.WithFields(logCtx, map[string]any{
		"order_id": result.Shipment.OrderID,
		"outcome":  string(result.Outcome),
	}), "order event handled")
	return nil
}
