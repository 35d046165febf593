// Package kafka is the primary bus backend, built on segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
)

const (
	defaultHandlerAttempts = 3
	handlerBaseDelay       = 200 * time.Millisecond
	handlerMaxDelay        = 5 * time.Second
	reopenDelay            = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type readerFactory func(topic, group string) messageReader

// Client publishes through one shared writer and opens a reader per
// subscription.
type Client struct {
	brokers   []string
	writer    messageWriter
	newReader readerFactory
	attempts  int
	logg      *logger.Logger
}

var errNoBrokers = errors.New("kafka brokers are required")

func New(cfg config.KafkaConfig, busCfg config.BusConfig, logg *logger.Logger) (*Client, error) {
	brokers := cleanBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	if logg == nil {
		logg = logger.Nop()
	}
	attempts := busCfg.HandlerAttempts
	if attempts <= 0 {
		attempts = defaultHandlerAttempts
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}
	c := &Client{
		brokers:  brokers,
		writer:   writer,
		attempts: attempts,
		logg:     logg,
	}
	c.newReader = func(topic, group string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
			// offsets are committed explicitly after the handler succeeds
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		})
	}
	return c, nil
}

// Publish writes msg keyed by msg.Key so one order's events share a partition.
func (c *Client) Publish(ctx context.Context, msg bus.Message) error {
	if c == nil || c.writer == nil {
		return bus.ErrClosed
	}
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := c.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe consumes topic in group until ctx is cancelled. A message is
// committed only after handler returns nil. A message that keeps failing is
// retried with backoff; once the attempts are spent the reader is reopened
// from the last committed offset so the message is delivered again.
func (c *Client) Subscribe(ctx context.Context, topic, group string, handler bus.Handler) error {
	subCtx := c.logg.WithFields(ctx, map[string]any{"topic": topic, "group": group})
	c.logg.Info(subCtx, "kafka consumer started")
	for {
		reader := c.newReader(topic, group)
		err := c.consume(ctx, reader, handler)
		if closeErr := reader.Close(); closeErr != nil {
			c.logg.Warn(c.logg.WithField(subCtx, "error", closeErr.Error()), "closing kafka reader")
		}
		if ctx.Err() != nil {
			c.logg.Info(subCtx, "kafka consumer stopped")
			return nil
		}
		c.logg.Error(subCtx, "kafka consumer interrupted, reopening reader", err)
		if err := sleep(ctx, reopenDelay); err != nil {
			return nil
		}
	}
}

func (c *Client) consume(ctx context.Context, reader messageReader, handler bus.Handler) error {
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}
		msg := fromKafka(km)
		msgCtx := c.logg.WithFields(ctx, map[string]any{
			"topic":     km.Topic,
			"partition": km.Partition,
			"offset":    km.Offset,
		})
		if err := c.handle(msgCtx, msg, handler); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, km); err != nil {
			return fmt.Errorf("commit offset %d: %w", km.Offset, err)
		}
		c.logg.Debug(msgCtx, "kafka offset committed")
	}
}

func (c *Client) handle(ctx context.Context, msg bus.Message, handler bus.Handler) error {
	backoff := retry.WithMaxRetries(uint64(c.attempts-1),
		retry.WithCappedDuration(handlerMaxDelay, retry.NewExponential(handlerBaseDelay)))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := handler(ctx, msg); err != nil {
			c.logg.Warn(c.logg.WithFields(ctx, map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			}), "kafka handler failed")
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Ping dials the first reachable broker.
func (c *Client) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range c.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("kafka brokers unreachable: %w", lastErr)
}

func (c *Client) Close() error {
	if c == nil || c.writer == nil {
		return nil
	}
	return c.writer.Close()
}

func fromKafka(km kafka.Message) bus.Message {
	msg := bus.Message{
		Topic:   km.Topic,
		Key:     string(km.Key),
		Payload: km.Value,
		Headers: make(map[string]string, len(km.Headers)),
	}
	for _, h := range km.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

func cleanBrokers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, b := range in {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
