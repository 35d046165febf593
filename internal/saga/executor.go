// Package saga runs the two step shapes both services are built from: an
// idempotent create that persists then publishes, and a guarded status
// transition applied in response to an event.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	"github.com/angelmondragon/orderflow/pkg/idempotency"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/metrics"
	"github.com/angelmondragon/orderflow/pkg/resilience"
)

const defaultPublishTimeout = 5 * time.Second

// Publish outcomes recorded on the saga publish counter.
const (
	publishOK       = "published"
	publishOutboxed = "outboxed"
	publishLost     = "lost"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type topicResolver interface {
	Topic(eventType enums.OutboxEventType) (string, bool)
}

type outboxSaver interface {
	Save(ctx context.Context, eventType enums.OutboxEventType, aggregateID string, payload any, cause error) (*models.OutboxRecord, error)
}

// Event is what a step emits once its write is committed. AggregateID becomes
// the message key.
type Event struct {
	Type        enums.OutboxEventType
	AggregateID string
	Payload     any
}

type Params struct {
	Logger         *logger.Logger
	DB             txRunner
	Guard          *idempotency.Guard
	Tracker        *idempotency.Tracker
	Publisher      bus.Publisher
	Topics         topicResolver
	Outbox         outboxSaver
	Retrier        *resilience.Retrier
	Metrics        *metrics.SagaMetrics
	PublishTimeout time.Duration
	// ResultTTL is how long a create result stays cached. Zero uses the guard
	// default.
	ResultTTL time.Duration
}

// Executor holds the collaborators shared by every step.
type Executor struct {
	logg           *logger.Logger
	db             txRunner
	guard          *idempotency.Guard
	tracker        *idempotency.Tracker
	publisher      bus.Publisher
	topics         topicResolver
	outbox         outboxSaver
	retrier        *resilience.Retrier
	metrics        *metrics.SagaMetrics
	publishTimeout time.Duration
	resultTTL      time.Duration
}

func NewExecutor(p Params) (*Executor, error) {
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if p.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if p.Publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if p.Topics == nil {
		return nil, fmt.Errorf("topic resolver required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox required")
	}
	timeout := p.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Executor{
		logg:           p.Logger,
		db:             p.DB,
		guard:          p.Guard,
		tracker:        p.Tracker,
		publisher:      p.Publisher,
		topics:         p.Topics,
		outbox:         p.Outbox,
		retrier:        p.Retrier,
		metrics:        p.Metrics,
		publishTimeout: timeout,
		resultTTL:      p.ResultTTL,
	}, nil
}

// inTx runs fn in a transaction, retrying the whole transaction on transient
// failures.
func (e *Executor) inTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	return e.retrier.Do(ctx, op, func(ctx context.Context) error {
		return e.db.WithTx(ctx, fn)
	})
}

// emit publishes evt with a bounded timeout. A failed publish is written to
// the outbox instead; emit never fails the step since the write it follows is
// already committed.
func (e *Executor) emit(ctx context.Context, evt *Event) {
	if evt == nil {
		return
	}
	ctx = e.logg.WithFields(ctx, map[string]any{
		"event_type":   evt.Type,
		"aggregate_id": evt.AggregateID,
	})

	topic, ok := e.topics.Topic(evt.Type)
	if !ok {
		e.logg.Error(ctx, "no topic registered for event, dropping", fmt.Errorf("unknown event type %q", evt.Type))
		e.metrics.IncPublish("", publishLost)
		return
	}
	ctx = e.logg.WithField(ctx, "topic", topic)

	publishErr := e.publish(ctx, topic, evt)
	if publishErr == nil {
		e.metrics.IncPublish(topic, publishOK)
		e.logg.Info(ctx, "event published")
		return
	}

	e.logg.Warn(e.logg.WithField(ctx, "error", publishErr.Error()), "publish failed, saving event to outbox")
	saveCtx := context.WithoutCancel(ctx)
	saveErr := e.retrier.Do(saveCtx, "outbox.save", func(ctx context.Context) error {
		_, err := e.outbox.Save(ctx, evt.Type, evt.AggregateID, evt.Payload, publishErr)
		return err
	})
	if saveErr != nil {
		e.metrics.IncPublish(topic, publishLost)
		e.logg.Error(ctx, "outbox save failed, event lost", saveErr)
		return
	}
	e.metrics.IncPublish(topic, publishOutboxed)
}

func (e *Executor) publish(ctx context.Context, topic string, evt *Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", evt.Type, err)
	}
	msg := bus.NewMessage(ctx, topic, evt.AggregateID, payload)
	msg.Headers[bus.HeaderEventType] = evt.Type.String()

	publishCtx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	defer cancel()
	return e.publisher.Publish(publishCtx, msg)
}
