package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS applies the configured origin policy. An empty origin list disables
// cross-origin access.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Correlation-Id"},
		ExposedHeaders:   []string{"X-Correlation-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler
}
