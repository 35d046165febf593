package bus

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Client. It records every published message and
// fans them out to subscribers of the same topic. Fail makes Publish return
// an error, which lets callers exercise their outbox fallback.
type Memory struct {
	mu          sync.Mutex
	published   []Message
	subscribers map[string][]chan Message
	failWith    error
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{subscribers: map[string][]chan Message{}}
}

// Fail sets the error returned by subsequent publishes. nil restores success.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, msg)
	subs := append([]chan Message(nil), m.subscribers[msg.Topic]...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe delivers messages published after the call. Failed deliveries are
// retried until the handler succeeds or ctx is done.
func (m *Memory) Subscribe(ctx context.Context, topic, _ string, handler Handler) error {
	ch := make(chan Message, 64)
	m.mu.Lock()
	m.subscribers[topic] = append(m.subscribers[topic], ch)
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			for handler(ctx, msg) != nil {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
	}
}

// Published returns a copy of the messages accepted so far, optionally
// filtered by topic.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.published))
	for _, msg := range m.published {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
