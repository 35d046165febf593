package middleware

import (
	"net/http"

	"github.com/angelmondragon/orderflow/pkg/correlation"
	"github.com/angelmondragon/orderflow/pkg/logger"
)

// Correlation reads X-Correlation-Id, minting one when the caller sent none,
// and echoes it on the response.
func Correlation(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, id, generated := correlation.Ensure(r.Context(), r.Header.Get(correlation.Header))
			w.Header().Set(correlation.Header, id)

			if logg != nil {
				ctx = logg.WithCorrelationID(ctx, id)
				if generated {
					logg.Warn(logg.WithField(ctx, "path", r.URL.Path), "request without correlation id, generated one")
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
