// Package bus is the transport-neutral surface the services publish to and
// consume from. Concrete backends live in pkg/kafka, pkg/pubsub and pkg/amqp.
package bus

import (
	"context"
	"errors"

	"github.com/angelmondragon/orderflow/pkg/correlation"
)

// HeaderEventType carries the outbox event type alongside the payload.
const HeaderEventType = "event-type"

// ErrClosed is returned when publishing through a closed client.
var ErrClosed = errors.New("bus client closed")

// Message is one event on a topic. Key scopes ordering (the order id).
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// Header returns a header value or "".
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Publisher delivers a message to its topic. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivered message. A nil return acknowledges it; any
// error leaves it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Subscriber consumes topic as part of group until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

// Client is a full backend.
type Client interface {
	Publisher
	Subscriber
	Ping(ctx context.Context) error
	Close() error
}

// NewMessage builds a message and stamps the correlation id found on ctx.
func NewMessage(ctx context.Context, topic, key string, payload []byte) Message {
	msg := Message{Topic: topic, Key: key, Payload: payload, Headers: map[string]string{}}
	if id := correlation.FromContext(ctx); id != "" {
		msg.Headers[correlation.Header] = id
	}
	return msg
}
