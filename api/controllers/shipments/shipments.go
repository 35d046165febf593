package shipments

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/orderflow/api/responses"
	internalshipments "github.com/angelmondragon/orderflow/internal/shipments"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/logger"
)

// Detail returns the shipment for an order.
func Detail(svc internalshipments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
		if orderID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "order id is required"))
			return
		}
		shipment, err := svc.GetShipment(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, shipment)
	}
}
