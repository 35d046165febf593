package shipments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/correlation"
	"github.com/angelmondragon/orderflow/pkg/db"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/events"
	"github.com/angelmondragon/orderflow/pkg/idempotency"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/outbox"
	"github.com/angelmondragon/orderflow/pkg/outbox/registry"
	"github.com/angelmondragon/orderflow/pkg/redis"
	"github.com/angelmondragon/orderflow/pkg/statemachine"
)

const (
	fast = 20 * time.Millisecond
	slow = time.Hour
)

type testEnv struct {
	gdb     *gorm.DB
	bus     *bus.Memory
	service Service
}

func newTestEnv(t *testing.T, delay time.Duration) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(&models.Shipment{}, &models.OutboxRecord{}))

	store := redis.NewMemoryStore()
	guard, err := idempotency.NewGuard(store, idempotency.GuardOptions{BusyWait: 500 * time.Millisecond}, nil)
	require.NoError(t, err)
	tracker, err := idempotency.NewTracker(store, 0, nil)
	require.NoError(t, err)
	reg, err := registry.NewEventRegistry(config.BusConfig{
		OrderEventsTopic:    "order-events",
		DeliveryEventsTopic: "delivery-events",
	})
	require.NoError(t, err)

	mem := bus.NewMemory()
	exec, err := saga.NewExecutor(saga.Params{
		Logger:    logger.Nop(),
		DB:        db.NewFromGorm(gdb),
		Guard:     guard,
		Tracker:   tracker,
		Publisher: mem,
		Topics:    reg,
		Outbox:    outbox.NewService(gdb, outbox.NewRepository(gdb), logger.Nop(), nil),
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Repository:   NewRepository(gdb),
		Executor:     exec,
		Logger:       logger.Nop(),
		ShipDelay:    delay,
		DeliverDelay: delay,
		RetryDelay:   delay,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	return &testEnv{gdb: gdb, bus: mem, service: svc}
}

func orderCreated(orderID string) events.OrderCreated {
	return events.OrderCreated{
		OrderID:       orderID,
		UserID:        "u1",
		Items:         []events.Item{{ProductID: "p1", Quantity: 1, Price: 5}},
		Amount:        5,
		Timestamp:     events.Timestamp(time.Now()),
		CorrelationID: "corr-" + orderID,
	}
}

func (e *testEnv) shipmentCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.gdb.Model(&models.Shipment{}).Count(&n).Error)
	return n
}

func (e *testEnv) pending() int {
	return e.service.(*service).progression.pending()
}

func TestDuplicateOrderCreatedYieldsOneShipment(t *testing.T) {
	env := newTestEnv(t, slow)
	ctx := context.Background()

	first, err := env.service.HandleOrderCreated(ctx, orderCreated("o1"))
	require.NoError(t, err)
	assert.Equal(t, saga.Created, first.Outcome)
	assert.Equal(t, enums.ShipmentStatusPending, first.Shipment.Status)
	assert.Equal(t, "corr-o1", first.Shipment.CorrelationID)

	second, err := env.service.HandleOrderCreated(ctx, orderCreated("o1"))
	require.NoError(t, err)
	assert.Equal(t, saga.Existing, second.Outcome)
	assert.Equal(t, first.Shipment.ID, second.Shipment.ID)

	assert.Equal(t, int64(1), env.shipmentCount(t))
	assert.Equal(t, 1, env.pending())
	assert.Empty(t, env.bus.Published("delivery-events"))
}

func TestConcurrentOrderCreatedYieldsOneShipment(t *testing.T) {
	env := newTestEnv(t, slow)
	ctx := context.Background()

	const callers = 5
	var (
		wg      sync.WaitGroup
		results = make([]*HandleResult, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.service.HandleOrderCreated(ctx, orderCreated("o1"))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Shipment.ID, results[i].Shipment.ID)
		if results[i].Outcome == saga.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(1), env.shipmentCount(t))
}

func TestHandleOrderCreatedRequiresOrderID(t *testing.T) {
	env := newTestEnv(t, slow)
	_, err := env.service.HandleOrderCreated(context.Background(), orderCreated(""))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Zero(t, env.shipmentCount(t))
}

func TestProgressionAdvancesToDelivered(t *testing.T) {
	env := newTestEnv(t, fast)
	ctx := context.Background()

	_, err := env.service.HandleOrderCreated(ctx, orderCreated("o1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		shipment, err := env.service.GetShipment(ctx, "o1")
		return err == nil && shipment.Status == enums.ShipmentStatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	published := env.bus.Published("delivery-events")
	require.Len(t, published, 2)
	statuses := make([]enums.ShipmentStatus, 0, len(published))
	for _, msg := range published {
		var evt events.DeliveryStatusChanged
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		assert.Equal(t, "o1", evt.OrderID)
		assert.Equal(t, "corr-o1", evt.CorrelationID)
		assert.Equal(t, "corr-o1", msg.Header(correlation.Header))
		assert.Equal(t, "o1", msg.Key)
		statuses = append(statuses, evt.Status)
	}
	assert.Equal(t, []enums.ShipmentStatus{enums.ShipmentStatusShipped, enums.ShipmentStatusDelivered}, statuses)
	assert.Eventually(t, func() bool { return env.pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRecoverRearmsActiveShipments(t *testing.T) {
	env := newTestEnv(t, fast)
	ctx := context.Background()

	rows := []models.Shipment{
		{OrderID: "pending", UserID: "u1", Status: enums.ShipmentStatusPending, CorrelationID: "c1"},
		{OrderID: "shipped", UserID: "u1", Status: enums.ShipmentStatusShipped, CorrelationID: "c2"},
		{OrderID: "done", UserID: "u1", Status: enums.ShipmentStatusDelivered, CorrelationID: "c3"},
	}
	require.NoError(t, env.gdb.Create(&rows).Error)

	scheduled, err := env.service.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, scheduled)

	require.Eventually(t, func() bool {
		var n int64
		err := env.gdb.Model(&models.Shipment{}).Where("status = ?", enums.ShipmentStatusDelivered).Count(&n).Error
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, env.bus.Published("delivery-events"), 3)
}

func TestAdvanceRejectsSkippedStage(t *testing.T) {
	env := newTestEnv(t, slow)
	ctx := context.Background()
	_, err := env.service.HandleOrderCreated(ctx, orderCreated("o1"))
	require.NoError(t, err)

	result, err := env.service.Advance(ctx, "o1", enums.ShipmentStatusDelivered, "corr-o1")
	require.NoError(t, err)
	assert.Equal(t, statemachine.RejectSkipped, result.Decision)

	shipment, err := env.service.GetShipment(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, enums.ShipmentStatusPending, shipment.Status)
	assert.Empty(t, env.bus.Published("delivery-events"))
}

func TestAdvanceRejectsCancelled(t *testing.T) {
	env := newTestEnv(t, slow)
	ctx := context.Background()
	_, err := env.service.HandleOrderCreated(ctx, orderCreated("o1"))
	require.NoError(t, err)

	result, err := env.service.Advance(ctx, "o1", enums.ShipmentStatusCancelled, "corr-o1")
	require.NoError(t, err)
	assert.Equal(t, statemachine.RejectUnsupported, result.Decision)
}

func TestAdvanceUnknownShipment(t *testing.T) {
	env := newTestEnv(t, slow)
	_, err := env.service.Advance(context.Background(), "missing", enums.ShipmentStatusShipped, "corr-1")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = env.service.GetShipment(context.Background(), "missing")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestAdvancePublishFailureGoesToOutbox(t *testing.T) {
	env := newTestEnv(t, slow)
	ctx := context.Background()
	_, err := env.service.HandleOrderCreated(ctx, orderCreated("o1"))
	require.NoError(t, err)

	env.bus.Fail(errors.New("broker unavailable"))
	result, err := env.service.Advance(ctx, "o1", enums.ShipmentStatusShipped, "corr-o1")
	require.NoError(t, err)
	assert.True(t, result.Applied())

	var records []models.OutboxRecord
	require.NoError(t, env.gdb.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, enums.EventDeliveryStatusChanged, records[0].EventType)
	assert.Equal(t, "o1", records[0].AggregateID)

	shipment, err := env.service.GetShipment(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, enums.ShipmentStatusShipped, shipment.Status)
}

func TestConsumerHandle(t *testing.T) {
	env := newTestEnv(t, slow)
	ctx := context.Background()
	consumer, err := NewConsumer(env.service, env.bus, "order-events", "delivery-consumer", logger.Nop())
	require.NoError(t, err)

	payload, err := json.Marshal(orderCreated("o1"))
	require.NoError(t, err)
	msg := bus.Message{Topic: "order-events", Key: "o1", Payload: payload}
	require.NoError(t, consumer.Handle(ctx, msg))
	require.NoError(t, consumer.Handle(ctx, msg))
	assert.Equal(t, int64(1), env.shipmentCount(t))

	err = consumer.Handle(ctx, bus.Message{Topic: "order-events", Payload: []byte(`{"orderId":"o2","items":[]}`)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNewServiceValidatesParams(t *testing.T) {
	_, err := NewService(ServiceParams{})
	assert.Error(t, err)
	_, err = NewConsumer(nil, nil, "", "", nil)
	assert.Error(t, err)
}
