package orders

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/orderflow/api/responses"
	"github.com/angelmondragon/orderflow/api/validators"
	internalorders "github.com/angelmondragon/orderflow/internal/orders"
	"github.com/angelmondragon/orderflow/internal/saga"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/logger"
)

// IdempotencyKeyHeader may carry the key instead of the request body.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 255

type createOrderRequest struct {
	UserID         string                     `json:"userId" validate:"required"`
	Items          []internalorders.ItemInput `json:"items" validate:"required,min=1,dive"`
	Amount         decimal.Decimal            `json:"amount"`
	IdempotencyKey string                     `json:"idempotencyKey,omitempty"`
}

// Create places an order. A retried request with the same idempotency key
// returns the original order with 200 instead of 201.
func Create(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		key, err := idempotencyKey(r, req.IdempotencyKey)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.CreateOrder(r.Context(), internalorders.CreateOrderInput{
			UserID:         strings.TrimSpace(req.UserID),
			Items:          req.Items,
			Amount:         req.Amount,
			IdempotencyKey: key,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if result.Outcome == saga.Existing {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, result)
	}
}

// Detail returns one order by id.
func Detail(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "orderId")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid order id").
				WithDetails(map[string]string{"orderId": "must be a valid uuid"}))
			return
		}
		order, err := svc.GetOrder(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}

// idempotencyKey prefers the body field and falls back to the header. Both
// present and different is a client error.
func idempotencyKey(r *http.Request, fromBody string) (string, error) {
	body := validators.SanitizeString(fromBody, maxIdempotencyKeyLen)
	header := validators.SanitizeString(r.Header.Get(IdempotencyKeyHeader), maxIdempotencyKeyLen)
	switch {
	case body != "" && header != "" && body != header:
		return "", pkgerrors.New(pkgerrors.CodeValidation, "idempotency key mismatch").
			WithDetails(map[string]string{"idempotencyKey": "body and " + IdempotencyKeyHeader + " header differ"})
	case body != "":
		return body, nil
	case header != "":
		return header, nil
	}
	return "", pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required").
		WithDetails(map[string]string{"idempotencyKey": "is required"})
}
