package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/redis"
)

const (
	eventScope      = "event"
	DefaultEventTTL = 24 * time.Hour
)

// Tracker remembers (entity, target status, correlation id) triples that were
// already applied. Store failures are logged and treated as "not seen" so the
// state machine's own ordering checks take over.
type Tracker struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	logg  *logger.Logger
}

func NewTracker(store redis.IdempotencyStore, ttl time.Duration, logg *logger.Logger) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency store required")
	}
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Tracker{store: store, ttl: ttl, logg: logg}, nil
}

// Seen reports whether the transition was already applied for this causal
// chain.
func (t *Tracker) Seen(ctx context.Context, entityID, target, correlationID string) bool {
	if t == nil || correlationID == "" {
		return false
	}
	key := t.key(entityID, target, correlationID)
	if _, err := t.store.Get(ctx, key); err != nil {
		if !errors.Is(err, redis.Nil) {
			t.degraded(ctx, key, "event dedup lookup failed, continuing without it", err)
		}
		return false
	}
	return true
}

// Mark records the transition as applied.
func (t *Tracker) Mark(ctx context.Context, entityID, target, correlationID string) {
	if t == nil || correlationID == "" {
		return
	}
	key := t.key(entityID, target, correlationID)
	if err := t.store.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), t.ttl); err != nil {
		t.degraded(ctx, key, "event dedup mark failed, continuing without it", err)
	}
}

func (t *Tracker) key(entityID, target, correlationID string) string {
	return t.store.IdempotencyKey(eventScope, entityID, target, correlationID)
}

func (t *Tracker) degraded(ctx context.Context, key, msg string, err error) {
	ctx = t.logg.WithFields(ctx, map[string]any{
		"dedup_key": key,
		"error":     err.Error(),
	})
	t.logg.Warn(ctx, msg)
}
