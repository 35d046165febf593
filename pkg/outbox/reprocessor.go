package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/correlation"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/metrics"
	"github.com/angelmondragon/orderflow/pkg/outbox/registry"
	"github.com/angelmondragon/orderflow/pkg/resilience"
)

const (
	defaultSweepInterval  = 5 * time.Second
	defaultBatchSize      = 10
	defaultMaxRetries     = 5
	defaultClaimTimeout   = time.Minute
	defaultPublishTimeout = 5 * time.Second
	maxBackoff            = time.Minute
	jitterWindow          = 250 * time.Millisecond
	sweepJob              = "outbox_sweep"
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type txRunner interface {
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type registryResolver interface {
	Resolve(models.OutboxRecord) (*registry.ResolvedEvent, error)
}

type ReprocessorParams struct {
	Config         config.OutboxConfig
	PublishTimeout time.Duration
	Logger         *logger.Logger
	DB             txRunner
	Repository     *Repository
	Registry       registryResolver
	Publisher      bus.Publisher
	Retrier        *resilience.Retrier
	Metrics        *metrics.OutboxMetrics
	Jobs           *metrics.JobMetrics
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Released  int64
	Claimed   int
	Completed int
	Retried   int
	Failed    int
}

// Reprocessor replays pending outbox records. Sweeps within one process never
// overlap; across processes the claim step keeps replicas off each other's
// rows.
type Reprocessor struct {
	logg           *logger.Logger
	db             txRunner
	repo           *Repository
	registry       registryResolver
	publisher      bus.Publisher
	retrier        *resilience.Retrier
	metrics        *metrics.OutboxMetrics
	jobs           *metrics.JobMetrics
	interval       time.Duration
	batchSize      int
	maxRetries     int
	claimTimeout   time.Duration
	publishTimeout time.Duration

	flight singleflight.Group
	now    func() time.Time
}

func NewReprocessor(params ReprocessorParams) (*Reprocessor, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}

	cfg := params.Config
	r := &Reprocessor{
		logg:           params.Logger,
		db:             params.DB,
		repo:           params.Repository,
		registry:       params.Registry,
		publisher:      params.Publisher,
		retrier:        params.Retrier,
		metrics:        params.Metrics,
		jobs:           params.Jobs,
		interval:       orDefault(cfg.SweepInterval, defaultSweepInterval),
		batchSize:      cfg.BatchSize,
		maxRetries:     cfg.MaxRetries,
		claimTimeout:   orDefault(cfg.ClaimTimeout, defaultClaimTimeout),
		publishTimeout: orDefault(params.PublishTimeout, defaultPublishTimeout),
		now:            time.Now,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	return r, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Run sweeps every interval until ctx is cancelled. A full batch triggers an
// immediate follow-up sweep; repeated sweep errors back off up to a minute.
func (r *Reprocessor) Run(ctx context.Context) error {
	ctx = r.logg.WithField(ctx, "component", "outbox-reprocessor")
	r.logg.Info(ctx, "outbox reprocessor started")
	backoff := r.interval

	for {
		select {
		case <-ctx.Done():
			r.logg.Info(ctx, "outbox reprocessor stopped")
			return ctx.Err()
		default:
		}

		result, err := r.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logg.Error(ctx, "outbox sweep failed", err)
			backoff = nextBackoff(backoff, r.interval, maxBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}
		backoff = r.interval

		if result.Claimed >= r.batchSize {
			continue
		}
		if err := sleep(ctx, withJitter(r.interval)); err != nil {
			return err
		}
	}
}

// Sweep processes one batch. Concurrent callers in the same process share a
// single in-flight sweep.
func (r *Reprocessor) Sweep(ctx context.Context) (SweepResult, error) {
	v, err, _ := r.flight.Do(sweepJob, func() (any, error) {
		start := r.now()
		result, err := r.sweep(ctx)
		r.jobs.ObserveDuration(sweepJob, r.now().Sub(start))
		if err != nil {
			r.jobs.IncFailure(sweepJob)
		} else {
			r.jobs.IncSuccess(sweepJob)
		}
		return result, err
	})
	result, _ := v.(SweepResult)
	return result, err
}

func (r *Reprocessor) sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	released, err := r.repo.ReleaseStale(ctx, r.now().Add(-r.claimTimeout))
	if err != nil {
		return result, fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		result.Released = released
		r.metrics.AddReleased(released)
		r.logg.Warn(r.logg.WithField(ctx, "released", released), "outbox claims expired, records returned to pending")
	}

	var claimed []models.OutboxRecord
	err = r.retrier.Do(ctx, "outbox.claim", func(ctx context.Context) error {
		return r.db.WithTx(ctx, func(tx *gorm.DB) error {
			rows, err := r.repo.ClaimPending(tx, r.batchSize, r.maxRetries)
			claimed = rows
			return err
		})
	})
	if err != nil {
		return result, fmt.Errorf("claim pending records: %w", err)
	}
	result.Claimed = len(claimed)

	for _, record := range claimed {
		outcome, err := r.process(ctx, record)
		if err != nil {
			return result, err
		}
		switch outcome {
		case metrics.OutcomeCompleted:
			result.Completed++
		case metrics.OutcomeRetry:
			result.Retried++
		case metrics.OutcomeFailed:
			result.Failed++
		}
		r.metrics.ObserveRecord(record.EventType.String(), outcome)
	}
	return result, nil
}

func (r *Reprocessor) process(ctx context.Context, record models.OutboxRecord) (string, error) {
	fields := r.recordFields(record)
	resolved, err := r.registry.Resolve(record)
	if err != nil {
		return metrics.OutcomeFailed, r.markTerminal(ctx, record, err, fields)
	}
	fields["topic"] = resolved.Descriptor.Topic

	recCtx := ctx
	if id := resolved.Payload.Correlation(); id != "" {
		recCtx = correlation.WithID(recCtx, id)
		fields["correlation_id"] = id
	}

	if err := r.publish(recCtx, record, resolved); err != nil {
		var nonRetry registry.NonRetryableError
		if errors.As(err, &nonRetry) {
			return metrics.OutcomeFailed, r.markTerminal(ctx, record, err, fields)
		}

		var status enums.OutboxStatus
		markErr := r.retrier.Do(ctx, "outbox.mark_retry", func(ctx context.Context) error {
			var err2 error
			status, err2 = r.repo.MarkRetry(ctx, record, err, r.maxRetries)
			return err2
		})
		if markErr != nil {
			return "", fmt.Errorf("mark retry %s: %w", record.ID, markErr)
		}
		fields["retry_count"] = record.RetryCount + 1
		logCtx := r.logg.WithFields(ctx, fields)
		logCtx = r.logg.WithField(logCtx, "error", err.Error())
		if status == enums.OutboxStatusFailed {
			r.logg.Error(logCtx, "outbox record exhausted its retries", err)
			return metrics.OutcomeFailed, nil
		}
		r.logg.Warn(logCtx, "outbox publish failed, will retry")
		return metrics.OutcomeRetry, nil
	}

	if err := r.retrier.Do(ctx, "outbox.mark_completed", func(ctx context.Context) error {
		return r.repo.MarkCompleted(ctx, record.ID)
	}); err != nil {
		return "", fmt.Errorf("mark completed %s: %w", record.ID, err)
	}
	r.logg.Info(r.logg.WithFields(ctx, fields), "outbox event published")
	return metrics.OutcomeCompleted, nil
}

func (r *Reprocessor) publish(ctx context.Context, record models.OutboxRecord, resolved *registry.ResolvedEvent) error {
	msg := bus.NewMessage(ctx, resolved.Descriptor.Topic, record.AggregateID, record.Payload)
	msg.Headers[bus.HeaderEventType] = record.EventType.String()

	publishCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	return r.publisher.Publish(publishCtx, msg)
}

func (r *Reprocessor) markTerminal(ctx context.Context, record models.OutboxRecord, cause error, fields map[string]any) error {
	logCtx := r.logg.WithFields(ctx, fields)
	logCtx = r.logg.WithField(logCtx, "error", cause.Error())
	r.logg.Warn(logCtx, "outbox record will not be retried")
	if err := r.retrier.Do(ctx, "outbox.mark_failed", func(ctx context.Context) error {
		return r.repo.MarkFailed(ctx, record.ID, cause)
	}); err != nil {
		return fmt.Errorf("mark failed %s: %w", record.ID, err)
	}
	return nil
}

func (r *Reprocessor) recordFields(record models.OutboxRecord) map[string]any {
	fields := map[string]any{
		"outbox_id":    record.ID.String(),
		"event_type":   record.EventType,
		"aggregate_id": record.AggregateID,
		"retry_count":  record.RetryCount,
		"batch_size":   r.batchSize,
	}
	if record.LastError != nil {
		fields["last_error"] = *record.LastError
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
