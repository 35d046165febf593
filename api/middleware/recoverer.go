package middleware

import (
	"fmt"
	"net/http"

	"github.com/angelmondragon/orderflow/api/responses"
	"github.com/angelmondragon/orderflow/pkg/correlation"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/logger"
)

// Recoverer turns a handler panic into a 500 envelope. http.ErrAbortHandler is
// re-raised so the server can drop the connection.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	if logg == nil {
		logg = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := fmt.Errorf("panic: %v", rec)
				ctx := logg.WithFields(r.Context(), map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
					"panic":  fmt.Sprint(rec),
				})
				if id := correlation.FromContext(ctx); id != "" {
					ctx = logg.WithCorrelationID(ctx, id)
				}
				logg.Error(ctx, "http.panic_recovered", err)
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected server error"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
