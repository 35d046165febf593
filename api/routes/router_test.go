package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/orderflow/api/controllers"
	"github.com/angelmondragon/orderflow/api/responses"
	"github.com/angelmondragon/orderflow/internal/orders"
	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/internal/shipments"
	"github.com/angelmondragon/orderflow/pkg/bus"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/correlation"
	"github.com/angelmondragon/orderflow/pkg/db"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	"github.com/angelmondragon/orderflow/pkg/idempotency"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/metrics"
	"github.com/angelmondragon/orderflow/pkg/outbox"
	"github.com/angelmondragon/orderflow/pkg/outbox/registry"
	"github.com/angelmondragon/orderflow/pkg/redis"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type fixture struct {
	gdb      *gorm.DB
	bus      *bus.Memory
	executor *saga.Executor
	outbox   *outbox.Service
	metrics  *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(&models.Order{}, &models.Shipment{}, &models.OutboxRecord{}))

	store := redis.NewMemoryStore()
	guard, err := idempotency.NewGuard(store, idempotency.GuardOptions{}, nil)
	require.NoError(t, err)
	tracker, err := idempotency.NewTracker(store, 0, nil)
	require.NoError(t, err)
	reg, err := registry.NewEventRegistry(config.BusConfig{
		OrderEventsTopic:    "order-events",
		DeliveryEventsTopic: "delivery-events",
	})
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	mem := bus.NewMemory()
	outboxSvc := outbox.NewService(gdb, outbox.NewRepository(gdb), logger.Nop(), nil)
	exec, err := saga.NewExecutor(saga.Params{
		Logger:    logger.Nop(),
		DB:        db.NewFromGorm(gdb),
		Guard:     guard,
		Tracker:   tracker,
		Publisher: mem,
		Topics:    reg,
		Outbox:    outboxSvc,
		Metrics:   metrics.NewSagaMetrics(promReg),
	})
	require.NoError(t, err)
	return &fixture{gdb: gdb, bus: mem, executor: exec, outbox: outboxSvc, metrics: promReg}
}

func (f *fixture) salesRouter(t *testing.T, checks map[string]controllers.Pinger) http.Handler {
	t.Helper()
	svc, err := orders.NewService(orders.NewRepository(f.gdb), f.executor, nil, logger.Nop())
	require.NoError(t, err)
	cfg := &config.Config{App: config.AppConfig{Env: "test"}}
	return NewSalesRouter(cfg, logger.Nop(), Common{Checks: checks, Metrics: f.metrics}, svc, f.outbox)
}

func TestSalesRouterCreateAndFetchOrder(t *testing.T) {
	f := newFixture(t)
	h := f.salesRouter(t, nil)

	body := `{"userId":"u1","items":[{"productId":"p1","quantity":2,"price":10}],"amount":20}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "k1")
	req.Header.Set(correlation.Header, "corr-http")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "corr-http", w.Header().Get(correlation.Header))

	var created struct {
		Data orders.CreateOrderResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, saga.Created, created.Data.Outcome)

	published := f.bus.Published("order-events")
	require.Len(t, published, 1)
	assert.Equal(t, "corr-http", published[0].Header(correlation.Header))

	// Same key again returns the same order.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "k1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+created.Data.Order.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PendingShipment"`)
	assert.Contains(t, w.Body.String(), `"amount":20`)
}

func TestSalesRouterAdminOutboxFailed(t *testing.T) {
	f := newFixture(t)
	h := f.salesRouter(t, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/outbox/failed?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/outbox/failed?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSalesRouterAdminOutboxDetail(t *testing.T) {
	f := newFixture(t)
	h := f.salesRouter(t, nil)

	record, err := f.outbox.Save(context.Background(), enums.EventOrderCreated, "order-9", map[string]string{"orderId": "order-9"}, errors.New("broker down"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/outbox/"+record.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "order-9")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/outbox/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/outbox/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	h := f.salesRouter(t, map[string]controllers.Pinger{
		"database": stubPinger{},
		"bus":      stubPinger{err: errors.New("broker down")},
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(correlation.Header))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var env responses.ErrorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.Equal(t, "broker down", env.Error.Details.(map[string]any)["bus"])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeliveryRouterShipmentDetail(t *testing.T) {
	f := newFixture(t)
	svc, err := shipments.NewService(shipments.ServiceParams{
		Repository: shipments.NewRepository(f.gdb),
		Executor:   f.executor,
		Logger:     logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	require.NoError(t, f.gdb.Create(&models.Shipment{OrderID: "o1", UserID: "u1", CorrelationID: "c1"}).Error)

	h := NewDeliveryRouter(&config.Config{}, logger.Nop(), Common{Metrics: f.metrics}, svc)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/shipments/o1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"Pending"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/shipments/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
