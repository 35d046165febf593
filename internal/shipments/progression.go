package shipments

import (
	"context"
	"sync"
	"time"

	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/correlation"
	"github.com/angelmondragon/orderflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/metrics"
	"github.com/angelmondragon/orderflow/pkg/statemachine"
)

const (
	progressionJob      = "shipment_progression"
	defaultShipDelay    = 2 * time.Second
	defaultDeliverDelay = 5 * time.Second
	defaultRetryDelay   = time.Second
	maxStepAttempts     = 5
)

type advanceFunc func(ctx context.Context, orderID string, target enums.ShipmentStatus, correlationID string) (saga.TransitionResult[enums.ShipmentStatus], error)

type progressionParams struct {
	advance      advanceFunc
	logg         *logger.Logger
	metrics      *metrics.JobMetrics
	shipDelay    time.Duration
	deliverDelay time.Duration
	retryDelay   time.Duration
}

// progression keeps one timer per order that moves its shipment a single
// stage forward. The shipments table is the durable schedule: Recover re-arms
// whatever was pending when the process stopped.
type progression struct {
	advance      advanceFunc
	logg         *logger.Logger
	metrics      *metrics.JobMetrics
	shipDelay    time.Duration
	deliverDelay time.Duration
	retryDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func newProgression(p progressionParams) *progression {
	ctx, cancel := context.WithCancel(context.Background())
	pr := &progression{
		advance:      p.advance,
		logg:         p.logg,
		metrics:      p.metrics,
		shipDelay:    p.shipDelay,
		deliverDelay: p.deliverDelay,
		retryDelay:   p.retryDelay,
		ctx:          ctx,
		cancel:       cancel,
		timers:       make(map[string]*time.Timer),
	}
	if pr.shipDelay <= 0 {
		pr.shipDelay = defaultShipDelay
	}
	if pr.deliverDelay <= 0 {
		pr.deliverDelay = defaultDeliverDelay
	}
	if pr.retryDelay <= 0 {
		pr.retryDelay = defaultRetryDelay
	}
	return pr
}

// schedule arms the next stage after current. It reports false when current is
// terminal, the order already has a timer, or the scheduler is stopped.
func (p *progression) schedule(orderID string, current enums.ShipmentStatus, correlationID string) bool {
	if statemachine.ShipmentMachine.Terminal(current) {
		return false
	}
	next, ok := statemachine.ShipmentMachine.Next(current)
	if !ok {
		return false
	}
	return p.arm(orderID, next, correlationID, p.delayFor(next), 1)
}

// pending reports how many orders have a timer armed.
func (p *progression) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func (p *progression) stop() {
	p.mu.Lock()
	p.stopped = true
	for orderID, timer := range p.timers {
		if timer.Stop() {
			p.wg.Done()
		}
		delete(p.timers, orderID)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *progression) delayFor(target enums.ShipmentStatus) time.Duration {
	if target == enums.ShipmentStatusDelivered {
		return p.deliverDelay
	}
	return p.shipDelay
}

func (p *progression) arm(orderID string, target enums.ShipmentStatus, correlationID string, delay time.Duration, attempt int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	if _, exists := p.timers[orderID]; exists {
		return false
	}
	p.wg.Add(1)
	p.timers[orderID] = time.AfterFunc(delay, func() {
		defer p.wg.Done()
		p.fire(orderID, target, correlationID, attempt)
	})
	return true
}

func (p *progression) fire(orderID string, target enums.ShipmentStatus, correlationID string, attempt int) {
	p.mu.Lock()
	delete(p.timers, orderID)
	p.mu.Unlock()

	ctx := correlation.WithID(p.ctx, correlationID)
	ctx = p.logg.WithFields(ctx, map[string]any{
		"job":            progressionJob,
		"order_id":       orderID,
		"correlation_id": correlationID,
		"target":         string(target),
		"attempt":        attempt,
	})

	start := time.Now()
	result, err := p.advance(ctx, orderID, target, correlationID)
	p.metrics.ObserveDuration(progressionJob, time.Since(start))

	if err != nil {
		p.metrics.IncFailure(progressionJob)
		if ctx.Err() != nil {
			return
		}
		if !retryable(err) || attempt >= maxStepAttempts {
			p.logg.Error(ctx, "shipment progression abandoned", err)
			return
		}
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "shipment progression step failed, rescheduling")
		p.arm(orderID, target, correlationID, p.retryDelay, attempt+1)
		return
	}

	p.metrics.IncSuccess(progressionJob)
	if result.Decision.Rejected() {
		p.logg.Warn(p.logg.WithField(ctx, "decision", result.Decision.String()), "shipment progression stopped")
		return
	}
	p.schedule(orderID, result.Status, correlationID)
}

func retryable(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return true
	}
	return pkgerrors.MetadataFor(typed.Code()).Retryable
}
