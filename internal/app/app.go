// Package app assembles the shared runtime of the orderflow binaries: the
// database, redis, the bus, the saga executor and the outbox reprocessor.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/db"
	"github.com/angelmondragon/orderflow/pkg/idempotency"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/metrics"
	"github.com/angelmondragon/orderflow/pkg/migrate"
	"github.com/angelmondragon/orderflow/pkg/outbox"
	"github.com/angelmondragon/orderflow/pkg/outbox/registry"
	"github.com/angelmondragon/orderflow/pkg/redis"
	"github.com/angelmondragon/orderflow/pkg/resilience"
)

// Runtime holds every dependency a service binary needs.
type Runtime struct {
	Config *config.Config
	Logger *logger.Logger

	DB    *db.Client
	Redis *redis.Client
	Bus   bus.Client

	Registry    *registry.EventRegistry
	OutboxRepo  *outbox.Repository
	Outbox      *outbox.Service
	Reprocessor *outbox.Reprocessor
	Executor    *saga.Executor
	Retrier     *resilience.Retrier

	Metrics *prometheus.Registry
	Jobs    *metrics.JobMetrics
}

// Bootstrap connects to postgres, redis and the bus, each with the connect
// retry policy, and builds the shared saga collaborators. Exhausting a
// connect policy is fatal to the caller.
func Bootstrap(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	rt := &Runtime{Config: cfg, Logger: logg}
	policy := resilience.ConnectPolicy(cfg.Resilience)

	err := resilience.Connect(ctx, logg, "database", policy, func(ctx context.Context) error {
		client, err := db.New(ctx, cfg.DB, logg)
		if err != nil {
			return err
		}
		rt.DB = client
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := migrate.MaybeRunDev(ctx, cfg, logg, rt.DB); err != nil {
		rt.Close()
		return nil, fmt.Errorf("dev migrations: %w", err)
	}

	err = resilience.Connect(ctx, logg, "redis", policy, func(ctx context.Context) error {
		client, err := redis.Connect(ctx, cfg.Redis, logg)
		if err != nil {
			return err
		}
		rt.Redis = client
		return nil
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Bus, err = OpenBus(ctx, cfg, logg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if err := rt.wire(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) wire() error {
	cfg := rt.Config
	rt.Metrics = prometheus.NewRegistry()
	rt.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Jobs = metrics.NewJobMetrics(rt.Metrics)
	outboxMetrics := metrics.NewOutboxMetrics(rt.Metrics)
	sagaMetrics := metrics.NewSagaMetrics(rt.Metrics)

	reg, err := registry.NewEventRegistry(cfg.Bus)
	if err != nil {
		return fmt.Errorf("event registry: %w", err)
	}
	rt.Registry = reg
	rt.Retrier = resilience.NewRetrier(resilience.OperationPolicy(cfg.Resilience), rt.Logger)
	rt.OutboxRepo = outbox.NewRepository(rt.DB.DB())
	rt.Outbox = outbox.NewService(rt.DB.DB(), rt.OutboxRepo, rt.Logger, outboxMetrics)

	guard, err := idempotency.NewGuard(rt.Redis, idempotency.GuardOptions{
		LockTTL:   cfg.Idempotency.LockTTL,
		ResultTTL: cfg.Idempotency.ResultTTL,
		BusyWait:  cfg.Idempotency.BusyWait,
	}, rt.Logger)
	if err != nil {
		return fmt.Errorf("idempotency guard: %w", err)
	}
	tracker, err := idempotency.NewTracker(rt.Redis, cfg.Idempotency.EventTTL, rt.Logger)
	if err != nil {
		return fmt.Errorf("event tracker: %w", err)
	}

	rt.Executor, err = saga.NewExecutor(saga.Params{
		Logger:         rt.Logger,
		DB:             rt.DB,
		Guard:          guard,
		Tracker:        tracker,
		Publisher:      rt.Bus,
		Topics:         reg,
		Outbox:         rt.Outbox,
		Retrier:        rt.Retrier,
		Metrics:        sagaMetrics,
		PublishTimeout: cfg.Bus.PublishTimeout,
		ResultTTL:      cfg.Idempotency.ResultTTL,
	})
	if err != nil {
		return fmt.Errorf("saga executor: %w", err)
	}

	rt.Reprocessor, err = outbox.NewReprocessor(outbox.ReprocessorParams{
		Config:         cfg.Outbox,
		PublishTimeout: cfg.Bus.PublishTimeout,
		Logger:         rt.Logger,
		DB:             rt.DB,
		Repository:     rt.OutboxRepo,
		Registry:       reg,
		Publisher:      rt.Bus,
		Retrier:        rt.Retrier,
		Metrics:        outboxMetrics,
		Jobs:           rt.Jobs,
	})
	if err != nil {
		return fmt.Errorf("outbox reprocessor: %w", err)
	}
	return nil
}

// Close releases every connection that was opened, in reverse order.
func (rt *Runtime) Close() {
	var err error
	if rt.Bus != nil {
		err = multierr.Append(err, rt.Bus.Close())
	}
	if rt.Redis != nil {
		err = multierr.Append(err, rt.Redis.Close())
	}
	if rt.DB != nil {
		err = multierr.Append(err, rt.DB.Close())
	}
	if err != nil {
		rt.Logger.Error(context.Background(), "error closing dependencies", err)
	}
}
