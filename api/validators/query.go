package validators

import (
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
)

// ParseQueryInt reads an integer query parameter, falling back to def when it
// is absent. Values outside [min, max] are a VALIDATION_ERROR.
func ParseQueryInt(r *http.Request, key string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "invalid query parameter").
			WithDetails(map[string]string{key: "must be an integer"})
	}
	if value < min || value > max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "invalid query parameter").
			WithDetails(map[string]string{key: "must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max)})
	}
	return value, nil
}
