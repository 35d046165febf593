// Package idempotency serialises creates that share a caller supplied key and
// remembers which events were already applied to an entity.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/redis"
	"github.com/google/uuid"
)

const (
	resultScope = "result"
	lockScope   = "lock"

	DefaultLockTTL   = 300 * time.Second
	DefaultResultTTL = time.Hour
	DefaultBusyWait  = 100 * time.Millisecond
)

// State tags the outcome of Acquire.
type State string

const (
	// Acquired means the caller owns the lock and must Commit or Release.
	Acquired State = "acquired"
	// Existing means a result is already cached for the key.
	Existing State = "existing"
	// Busy means another caller holds the lock and has not finished yet.
	Busy State = "busy"
)

// Acquisition is returned by Acquire. Token is set for Acquired, Cached for
// Existing.
type Acquisition struct {
	State  State
	Token  string
	Cached json.RawMessage
}

type cachedResult struct {
	RequestHash string          `json:"request_hash"`
	Value       json.RawMessage `json:"value"`
}

// GuardOptions tunes lock and cache lifetimes. Zero values fall back to the
// package defaults.
type GuardOptions struct {
	LockTTL   time.Duration
	ResultTTL time.Duration
	BusyWait  time.Duration
}

// Guard implements acquire-or-return on top of a key/value store with SETNX.
type Guard struct {
	store     redis.IdempotencyStore
	lockTTL   time.Duration
	resultTTL time.Duration
	busyWait  time.Duration
	logg      *logger.Logger
}

func NewGuard(store redis.IdempotencyStore, opts GuardOptions, logg *logger.Logger) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency store required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	g := &Guard{
		store:     store,
		lockTTL:   opts.LockTTL,
		resultTTL: opts.ResultTTL,
		busyWait:  opts.BusyWait,
		logg:      logg,
	}
	if g.lockTTL <= 0 {
		g.lockTTL = DefaultLockTTL
	}
	if g.resultTTL <= 0 {
		g.resultTTL = DefaultResultTTL
	}
	// negative disables the wait entirely
	switch {
	case g.busyWait == 0:
		g.busyWait = DefaultBusyWait
	case g.busyWait < 0:
		g.busyWait = 0
	}
	return g, nil
}

// Acquire returns the cached result for key when there is one, otherwise tries
// to take the creation lock. A held lock is given one BusyWait for its owner to
// finish before Busy is reported.
func (g *Guard) Acquire(ctx context.Context, key, requestHash string) (Acquisition, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Acquisition{}, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}

	if acq, ok, err := g.lookup(ctx, key, requestHash); err != nil || ok {
		return acq, err
	}

	token := uuid.NewString()
	locked, err := g.store.SetNX(ctx, g.lockKey(key), token, g.lockTTL)
	if err != nil {
		return Acquisition{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire idempotency lock")
	}
	if locked {
		return Acquisition{State: Acquired, Token: token}, nil
	}

	if err := sleep(ctx, g.busyWait); err != nil {
		return Acquisition{}, err
	}
	if acq, ok, err := g.lookup(ctx, key, requestHash); err != nil || ok {
		return acq, err
	}
	return Acquisition{State: Busy}, nil
}

// Commit caches value under key and releases the lock held by token. A ttl of
// zero uses the configured result TTL. When the result cannot be stored the
// lock is kept until it expires, so retries see Busy instead of creating again.
func (g *Guard) Commit(ctx context.Context, key, token, requestHash string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode idempotent result")
	}
	record, err := json.Marshal(cachedResult{RequestHash: requestHash, Value: raw})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode idempotent result")
	}
	if ttl <= 0 {
		ttl = g.resultTTL
	}
	if err := g.store.Set(ctx, g.resultKey(key), string(record), ttl); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store idempotent result")
	}
	return g.Release(ctx, key, token)
}

// Release drops the lock if token still owns it. An expired lock is not an
// error.
func (g *Guard) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	lockKey := g.lockKey(key)
	current, err := g.store.Get(ctx, lockKey)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read idempotency lock")
	}
	if current != token {
		g.logg.Warn(g.logg.WithField(ctx, "idempotency_key", key), "idempotency lock owned by another holder, skipping release")
		return nil
	}
	if err := g.store.Del(ctx, lockKey); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release idempotency lock")
	}
	return nil
}

func (g *Guard) lookup(ctx context.Context, key, requestHash string) (Acquisition, bool, error) {
	raw, err := g.store.Get(ctx, g.resultKey(key))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Acquisition{}, false, nil
		}
		return Acquisition{}, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read idempotent result")
	}
	var record cachedResult
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Acquisition{}, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotent result")
	}
	if record.RequestHash != "" && requestHash != "" && record.RequestHash != requestHash {
		return Acquisition{}, false, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different request").
			WithDetails(map[string]string{"idempotencyKey": key})
	}
	return Acquisition{State: Existing, Cached: record.Value}, true, nil
}

func (g *Guard) resultKey(key string) string {
	return g.store.IdempotencyKey(resultScope, key)
}

func (g *Guard) lockKey(key string) string {
	return g.store.IdempotencyKey(lockScope, key)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
