package pubsub

import (
	"context"
	"testing"

	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/stretchr/testify/assert"
)

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		OrderEventsTopic:    "order-events",
		DeliveryEventsTopic: "delivery-events",
		SalesGroup:          "sales-consumer",
		DeliveryGroup:       "delivery-consumer",
	}
}

func TestSubscriptionIDDefaultsToGroupTopic(t *testing.T) {
	busCfg := testBusConfig()
	assert.Equal(t, "delivery-consumer-order-events",
		SubscriptionID(config.PubSubConfig{}, busCfg, "order-events", "delivery-consumer"))
	assert.Equal(t, "", SubscriptionID(config.PubSubConfig{}, busCfg, "order-events", ""))
}

func TestSubscriptionIDHonoursOverride(t *testing.T) {
	cfg := config.PubSubConfig{DeliveryEventsSubscription: "sales-delivery-sub"}
	assert.Equal(t, "sales-delivery-sub",
		SubscriptionID(cfg, testBusConfig(), "delivery-events", "sales-consumer"))
}

func TestSubscriptionNames(t *testing.T) {
	names := subscriptionNames(config.PubSubConfig{}, testBusConfig())
	assert.Equal(t, []string{"delivery-consumer-order-events", "sales-consumer-delivery-events"}, names)
}

func TestResourceNames(t *testing.T) {
	c := &Client{projectID: "proj"}
	assert.Equal(t, "projects/proj/topics/order-events", c.topicResourceName("order-events"))
	assert.Equal(t, "projects/x/topics/y", c.topicResourceName("projects/x/topics/y"))
	assert.Equal(t, "projects/proj/subscriptions/s1", c.subscriptionResourceName(" s1 "))
	assert.Equal(t, "", c.subscriptionResourceName(""))

	var nilClient *Client
	assert.Equal(t, "", nilClient.topicResourceName("t"))
}

func TestNewClientRequiresProject(t *testing.T) {
	_, err := NewClient(context.Background(), config.GCPConfig{}, config.PubSubConfig{}, testBusConfig(), nil)
	assert.ErrorIs(t, err, errProjectIDRequired)
}

func TestPublishOnUninitialisedClient(t *testing.T) {
	var c *Client
	assert.Error(t, c.Ping(context.Background()))
	assert.NoError(t, c.Close())
}
