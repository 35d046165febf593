package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/orderflow/api/controllers"
	ordercontrollers "github.com/angelmondragon/orderflow/api/controllers/orders"
	shipmentcontrollers "github.com/angelmondragon/orderflow/api/controllers/shipments"
	"github.com/angelmondragon/orderflow/api/middleware"
	"github.com/angelmondragon/orderflow/internal/orders"
	"github.com/angelmondragon/orderflow/internal/shipments"
	"github.com/angelmondragon/orderflow/pkg/config"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/outbox"
)

// Common is what both services expose besides their own routes.
type Common struct {
	Checks  map[string]controllers.Pinger
	Metrics prometheus.Gatherer
}

func newRouter(cfg *config.Config, logg *logger.Logger, common Common) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.CORS(cfg.App.CORSOrigins),
		middleware.Correlation(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, common.Checks))
	})

	gatherer := common.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// NewSalesRouter serves the order API.
func NewSalesRouter(cfg *config.Config, logg *logger.Logger, common Common, ordersSvc orders.Service, outboxSvc *outbox.Service) http.Handler {
	r := newRouter(cfg, logg, common)

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", ordercontrollers.Create(ordersSvc, logg))
		r.Get("/{orderId}", ordercontrollers.Detail(ordersSvc, logg))
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Get("/outbox/failed", controllers.AdminOutboxFailed(outboxSvc, logg))
		r.Get("/outbox/{outboxId}", controllers.AdminOutboxDetail(outboxSvc, logg))
	})

	return r
}

// NewDeliveryRouter serves the shipment API.
func NewDeliveryRouter(cfg *config.Config, logg *logger.Logger, common Common, shipmentsSvc shipments.Service) http.Handler {
	r := newRouter(cfg, logg, common)

	r.Route("/api/v1/shipments", func(r chi.Router) {
		r.Get("/{orderId}", shipmentcontrollers.Detail(shipmentsSvc, logg))
	})

	return r
}
