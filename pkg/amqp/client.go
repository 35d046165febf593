// Package amqp is a RabbitMQ bus backend: one durable topic exchange, routing
// key = topic, and a durable queue per (group, topic).
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeKind = "topic"
	prefetch     = 10
)

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// acknowledger is the part of amqp.Delivery used after handling.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type Client struct {
	conn        *amqp.Connection
	openChannel func() (channel, error)
	exchange    string
	logg        *logger.Logger

	mu  sync.Mutex
	pub channel
}

var errURLRequired = errors.New("amqp url is required")

// Dial connects, opens the publish channel and declares the exchange.
func Dial(cfg config.AMQPConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errURLRequired
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to rabbitmq: %w", err)
	}
	c, err := newClient(cfg, logg, func() (channel, error) { return conn.Channel() })
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func newClient(cfg config.AMQPConfig, logg *logger.Logger, open func() (channel, error)) (*Client, error) {
	if logg == nil {
		logg = logger.Nop()
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "orderflow"
	}
	ch, err := open()
	if err != nil {
		return nil, fmt.Errorf("could not open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("could not declare exchange: %w", err)
	}
	return &Client{openChannel: open, exchange: exchange, logg: logg, pub: ch}, nil
}

func (c *Client) Publish(ctx context.Context, msg bus.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub == nil {
		return bus.ErrClosed
	}
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	err := c.pub.PublishWithContext(ctx, c.exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Key,
		Headers:      headers,
		Body:         msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// QueueName is the durable queue backing (group, topic).
func QueueName(group, topic string) string {
	return group + "." + topic
}

// Subscribe binds a durable queue for group to topic and consumes it with
// manual acks until ctx is done. Failed deliveries are nacked with requeue.
func (c *Client) Subscribe(ctx context.Context, topic, group string, handler bus.Handler) error {
	ch, err := c.openChannel()
	if err != nil {
		return fmt.Errorf("could not open channel: %w", err)
	}
	defer ch.Close()

	queue := QueueName(group, topic)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare queue: %w", err)
	}
	if err := ch.QueueBind(queue, topic, c.exchange, false, nil); err != nil {
		return fmt.Errorf("could not bind queue: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("could not set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not start consume: %w", err)
	}

	subCtx := c.logg.WithFields(ctx, map[string]any{"topic": topic, "queue": queue})
	c.logg.Info(subCtx, "amqp consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.dispatch(subCtx, topic, d, d, handler)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, topic string, d amqp.Delivery, ack acknowledger, handler bus.Handler) {
	msg := bus.Message{
		Topic:   topic,
		Key:     d.MessageId,
		Payload: d.Body,
		Headers: make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		}
	}
	if err := handler(ctx, msg); err != nil {
		c.logg.Error(c.logg.WithField(ctx, "delivery_tag", d.DeliveryTag), "amqp handler failed, requeueing", err)
		if nackErr := ack.Nack(false, true); nackErr != nil {
			c.logg.Error(ctx, "amqp nack failed", nackErr)
		}
		return
	}
	if err := ack.Ack(false); err != nil {
		c.logg.Error(ctx, "amqp ack failed", err)
	}
}

func (c *Client) Ping(context.Context) error {
	if c.conn != nil && c.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.pub != nil {
		err = c.pub.Close()
		c.pub = nil
	}
	if c.conn != nil {
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
