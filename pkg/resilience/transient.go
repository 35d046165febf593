package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var transientSubstrings = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"econnreset",
	"epipe",
	"etimedout",
	"deadlock",
	"lock wait timeout",
	"serialization failure",
	"could not serialize",
	"database is locked",
}

var transientSQLStates = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"08000": {}, // connection_exception
	"08003": {}, // connection_does_not_exist
	"08006": {}, // connection_failure
	"57P01": {}, // admin_shutdown
}

// IsTransient reports whether err looks like a short-lived infrastructure
// failure that is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := transientSQLStates[pgErr.Code]; ok {
			return true
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if _, ok := transientSQLStates[string(pqErr.Code)]; ok {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range transientSubstrings {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
