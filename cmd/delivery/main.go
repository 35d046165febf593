package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/orderflow/api/controllers"
	"github.com/angelmondragon/orderflow/api/routes"
	"github.com/angelmondragon/orderflow/internal/app"
	"github.com/angelmondragon/orderflow/internal/shipments"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/logger"
)

const serviceName = "delivery"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceName,
		"busDriver":   cfg.Bus.Driver,
	})

	rt, err := app.Bootstrap(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap dependencies", err)
		os.Exit(1)
	}
	defer rt.Close()

	shipmentsSvc, err := shipments.NewService(shipments.ServiceParams{
		Repository:   shipments.NewRepository(rt.DB.DB()),
		Executor:     rt.Executor,
		Logger:       logg,
		Metrics:      rt.Jobs,
		ShipDelay:    cfg.Delivery.ShipDelay,
		DeliverDelay: cfg.Delivery.DeliverDelay,
	})
	if err != nil {
		logg.Error(ctx, "failed to create shipments service", err)
		os.Exit(1)
	}
	defer shipmentsSvc.Stop()

	resumed, err := shipmentsSvc.Recover(ctx)
	if err != nil {
		logg.Error(ctx, "failed to resume shipment progression", err)
		os.Exit(1)
	}
	logg.Info(logg.WithField(ctx, "resumed", resumed), "shipment progression resumed")

	consumer, err := shipments.NewConsumer(shipmentsSvc, rt.Bus, cfg.Bus.OrderEventsTopic, cfg.Bus.DeliveryGroup, logg)
	if err != nil {
		logg.Error(ctx, "failed to create order events consumer", err)
		os.Exit(1)
	}

	router := routes.NewDeliveryRouter(cfg, logg, routes.Common{
		Checks: map[string]controllers.Pinger{
			"database": rt.DB,
			"redis":    rt.Redis,
			"bus":      rt.Bus,
		},
		Metrics: rt.Metrics,
	}, shipmentsSvc)

	logg.Info(ctx, "starting delivery service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	if cfg.Outbox.SweeperEnabled {
		g.Go(func() error { return rt.Reprocessor.Run(gctx) })
	}
	g.Go(func() error { return app.Serve(gctx, ":"+cfg.App.Port, router, logg) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "delivery service stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "delivery service shutting down gracefully")
}
