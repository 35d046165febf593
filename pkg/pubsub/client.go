// pkg/pubsub/client.go
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
	busCfg    config.BusConfig
	logg      *logger.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoSubscriptions   = errors.New("pubsub subscription name is required")
)

// NewClient creates a Pub/Sub v2 client and ensures the configured subscriptions exist.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, busCfg config.BusConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	if logg == nil {
		logg = logger.Nop()
	}

	psClient, err := pubsub.NewClient(ctx, gcp.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:     psClient,
		projectID:  gcp.ProjectID,
		cfg:        cfg,
		busCfg:     busCfg,
		logg:       logg,
		publishers: map[string]*pubsub.Publisher{},
	}

	if err := c.ensureSubscriptionsConfigured(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	logg.Info(ctx, "pubsub client initialized")
	return c, nil
}

func (c *Client) ensureSubscriptionsConfigured(ctx context.Context) error {
	names := subscriptionNames(c.cfg, c.busCfg)
	if len(names) == 0 {
		return errNoSubscriptions
	}
	for _, name := range names {
		if err := c.ensureSubscriptionExists(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func subscriptionNames(cfg config.PubSubConfig, busCfg config.BusConfig) []string {
	names := []string{}
	for _, name := range []string{
		SubscriptionID(cfg, busCfg, busCfg.OrderEventsTopic, busCfg.DeliveryGroup),
		SubscriptionID(cfg, busCfg, busCfg.DeliveryEventsTopic, busCfg.SalesGroup),
	} {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

// SubscriptionID resolves the subscription backing (topic, group): an explicit
// override when configured, otherwise "<group>-<topic>".
func SubscriptionID(cfg config.PubSubConfig, busCfg config.BusConfig, topic, group string) string {
	switch topic {
	case busCfg.OrderEventsTopic:
		if s := strings.TrimSpace(cfg.OrderEventsSubscription); s != "" {
			return s
		}
	case busCfg.DeliveryEventsTopic:
		if s := strings.TrimSpace(cfg.DeliveryEventsSubscription); s != "" {
			return s
		}
	}
	topic, group = strings.TrimSpace(topic), strings.TrimSpace(group)
	if topic == "" || group == "" {
		return ""
	}
	return group + "-" + topic
}

func (c *Client) ensureSubscriptionExists(ctx context.Context, name string) error {
	fullName := c.subscriptionResourceName(name)
	if fullName == "" {
		return fmt.Errorf("subscription %q not configured", name)
	}

	_, err := c.client.SubscriptionAdminClient.GetSubscription(
		ctx,
		&pubsubpb.GetSubscriptionRequest{Subscription: fullName},
	)
	if err != nil {
		// v2 uses gRPC errors; NotFound means the subscription doesn't exist.
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("subscription %q does not exist", name)
		}
		return fmt.Errorf("checking subscription %q: %w", name, err)
	}

	return nil
}

// Publish sends msg with the order id as ordering key and waits for the server
// ack.
func (c *Client) Publish(ctx context.Context, msg bus.Message) error {
	pub := c.publisher(msg.Topic)
	if pub == nil {
		return bus.ErrClosed
	}
	result := pub.Publish(ctx, &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  msg.Headers,
		OrderingKey: msg.Key,
	})
	if _, err := result.Get(ctx); err != nil {
		if msg.Key != "" {
			// a failed ordered publish pauses the key until resumed
			pub.ResumePublish(msg.Key)
		}
		return fmt.Errorf("pubsub publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe receives from the subscription bound to (topic, group). Messages
// are acked when handler returns nil and nacked otherwise.
func (c *Client) Subscribe(ctx context.Context, topic, group string, handler bus.Handler) error {
	name := SubscriptionID(c.cfg, c.busCfg, topic, group)
	sub := c.subscription(name)
	if sub == nil {
		return fmt.Errorf("pubsub subscription for %s/%s not configured", group, topic)
	}
	subCtx := c.logg.WithFields(ctx, map[string]any{"topic": topic, "subscription": name})
	c.logg.Info(subCtx, "pubsub consumer started")

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		msg := bus.Message{
			Topic:   topic,
			Key:     m.OrderingKey,
			Payload: m.Data,
			Headers: m.Attributes,
		}
		if err := handler(ctx, msg); err != nil {
			c.logg.Error(c.logg.WithField(subCtx, "message_id", m.ID), "pubsub handler failed, nacking", err)
			m.Nack()
			return
		}
		m.Ack()
	})
}

func (c *Client) subscription(name string) *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.subscriptionResourceName(name)
	if fullName == "" {
		return nil
	}
	return c.client.Subscriber(fullName)
}

func (c *Client) publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.topicResourceName(name)
	if fullName == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pub, ok := c.publishers[fullName]; ok {
		return pub
	}
	pub := c.client.Publisher(fullName)
	pub.EnableMessageOrdering = true
	c.publishers[fullName] = pub
	return pub
}

// Ping verifies Pub/Sub connectivity by checking configured subscriptions exist.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("pubsub client not initialized")
	}
	return c.ensureSubscriptionsConfigured(ctx)
}

// Close flushes publishers and releases the Pub/Sub client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	for _, pub := range c.publishers {
		pub.Stop()
	}
	c.publishers = map[string]*pubsub.Publisher{}
	c.mu.Unlock()
	return c.client.Close()
}

func (c *Client) subscriptionResourceName(name string) string {
	if c == nil {
		return ""
	}
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}

	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/subscriptions/") {
		return n
	}

	p := strings.TrimSpace(c.projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/subscriptions/%s", p, n)
}

func (c *Client) topicResourceName(name string) string {
	if c == nil {
		return ""
	}
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/") {
		return n
	}
	p := strings.TrimSpace(c.projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/%s", p, n)
}
