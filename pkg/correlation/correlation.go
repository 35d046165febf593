// Package correlation carries the identifier that ties a create request to every
// event emitted along its causal chain. The value lives in the context of a
// single operation and is never stored globally.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the inbound and outbound HTTP header name.
const Header = "X-Correlation-Id"

type ctxKey struct{}

// WithID returns a child context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id, or "" when none was set.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure stores candidate on the context, generating a fresh id when candidate
// is blank. generated reports whether a new id had to be minted.
func Ensure(ctx context.Context, candidate string) (_ context.Context, id string, generated bool) {
	id = strings.TrimSpace(candidate)
	if id == "" {
		id = NewID()
		generated = true
	}
	return WithID(ctx, id), id, generated
}

// NewID mints a correlation id.
func NewID() string {
	return uuid.NewString()
}
