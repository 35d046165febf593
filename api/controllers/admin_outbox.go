package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow/api/responses"
	"github.com/angelmondragon/orderflow/api/validators"
	"github.com/angelmondragon/orderflow/pkg/db"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/logger"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

type failedOutboxLister interface {
	Failed(ctx context.Context, limit int) ([]models.OutboxRecord, error)
}

type outboxRecordGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.OutboxRecord, error)
}

// AdminOutboxFailed lists outbox records that exhausted their retries.
func AdminOutboxFailed(outbox failedOutboxLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", defaultFailedLimit, 1, maxFailedLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		records, err := outbox.Failed(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list failed outbox records"))
			return
		}
		responses.WriteSuccess(w, records)
	}
}

// AdminOutboxDetail returns one outbox record, whatever its status.
func AdminOutboxDetail(outbox outboxRecordGetter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "outboxId")
		id, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid outbox id").
				WithDetails(map[string]string{"outboxId": "must be a uuid"}))
			return
		}
		record, err := outbox.Get(r.Context(), id)
		if err != nil {
			if db.IsNotFound(err) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "outbox record not found"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load outbox record"))
			return
		}
		responses.WriteSuccess(w, record)
	}
}
