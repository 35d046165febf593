package app

import (
	"context"
	"fmt"

	"github.com/angelmondragon/orderflow/pkg/amqp"
	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/kafka"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/pubsub"
	"github.com/angelmondragon/orderflow/pkg/resilience"
)

// OpenBus connects the backend selected by ORDERFLOW_BUS_DRIVER, retrying
// with the connect policy until it answers a ping.
func OpenBus(ctx context.Context, cfg *config.Config, logg *logger.Logger) (bus.Client, error) {
	var client bus.Client
	err := resilience.Connect(ctx, logg, "bus:"+cfg.Bus.Driver, resilience.ConnectPolicy(cfg.Resilience), func(ctx context.Context) error {
		c, err := dialBus(ctx, cfg, logg)
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func dialBus(ctx context.Context, cfg *config.Config, logg *logger.Logger) (bus.Client, error) {
	switch cfg.Bus.Driver {
	case config.BusDriverKafka:
		return kafka.New(cfg.Kafka, cfg.Bus, logg)
	case config.BusDriverPubSub:
		return pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, cfg.Bus, logg)
	case config.BusDriverAMQP:
		return amqp.Dial(cfg.AMQP, logg)
	}
	return nil, fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
}
