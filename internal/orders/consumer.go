package orders

import (
	"context"
	"fmt"

	"github.com/angelmondragon/orderflow/pkg/bus"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/events"
	"github.com/angelmondragon/orderflow/pkg/logger"
)

// Consumer applies delivery-events to orders.
type Consumer struct {
	service    Service
	subscriber bus.Subscriber
	topic      string
	group      string
	logg       *logger.Logger
}

func NewConsumer(service Service, subscriber bus.Subscriber, topic, group string, logg *logger.Logger) (*Consumer, error) {
	if service == nil {
		return nil, fmt.Errorf("orders service required")
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
	c.logg.Info(ctx, "delivery events consumer started")
	return c.subscriber.Subscribe(ctx, c.topic, c.group, c.Handle)
}

// Handle processes one delivery event. Malformed payloads and transient
// failures return an error so the message is redelivered; an order that does
// not exist is logged and acknowledged since no retry can fix it.
func (c *Consumer) Handle(ctx context.Context, msg bus.Message) error {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"topic":       msg.Topic,
		"message_key": msg.Key,
	})

	var evt events.DeliveryStatusChanged
	if err := events.Decode(msg.Payload, &evt); err != nil {
		c.logg.Error(logCtx, "invalid delivery event", err)
		return err
	}

	result, err := c.service.ApplyDeliveryStatus(ctx, evt)
	if err != nil {
		logCtx = c.logg.WithFields(logCtx, map[string]any{
			"order_id":       evt.OrderID,
			"correlation_id": evt.CorrelationID,
		})
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			c.logg.Error(logCtx, "delivery event for unknown order, dropping", err)
			return nil
		}
		c.logg.Error(logCtx, "delivery event handling failed", err)
		return err
	}

	c.logg.Debug(c.logg.WithFields(logCtx, map[string]any{
		"decision": result.Decision.String(),
		"status":   string(result.Status),
	}), "delivery event handled")
	return nil
}
