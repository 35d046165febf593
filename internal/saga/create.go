package saga

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/idempotency"
)

// Outcome tags a create result.
type Outcome string

const (
	Created  Outcome = "created"
	Existing Outcome = "existing"
)

// CreateStep describes one idempotent create. Validate, CheckAvailability and
// Event are optional.
type CreateStep[T any] struct {
	Operation         string
	IdempotencyKey    string
	RequestHash       string
	Validate          func(ctx context.Context) error
	CheckAvailability func(ctx context.Context) error
	Persist           func(ctx context.Context, tx *gorm.DB) (T, error)
	Event             func(value T) *Event
}

type CreateResult[T any] struct {
	Value   T
	Outcome Outcome
}

// Create runs step under the idempotency guard: a key that already produced a
// result returns that result, a key still being worked on returns CONFLICT,
// otherwise the step validates, persists, publishes and caches its result.
func Create[T any](ctx context.Context, e *Executor, step CreateStep[T]) (CreateResult[T], error) {
	var zero CreateResult[T]
	if step.Persist == nil {
		return zero, pkgerrors.New(pkgerrors.CodeInternal, "create step has no persist function")
	}
	if e.guard == nil {
		return zero, pkgerrors.New(pkgerrors.CodeInternal, "executor has no idempotency guard")
	}
	op := step.Operation
	if op == "" {
		op = "create"
	}
	ctx = e.logg.WithFields(ctx, map[string]any{
		"operation":       op,
		"idempotency_key": step.IdempotencyKey,
	})

	acq, err := e.guard.Acquire(ctx, step.IdempotencyKey, step.RequestHash)
	if err != nil {
		e.metrics.IncStep(op, "error")
		return zero, err
	}
	switch acq.State {
	case idempotency.Existing:
		var value T
		if err := json.Unmarshal(acq.Cached, &value); err != nil {
			e.metrics.IncStep(op, "error")
			return zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode cached result")
		}
		e.metrics.IncStep(op, string(Existing))
		e.logg.Info(ctx, "returning cached result for idempotency key")
		return CreateResult[T]{Value: value, Outcome: Existing}, nil
	case idempotency.Busy:
		e.metrics.IncStep(op, "busy")
		return zero, pkgerrors.New(pkgerrors.CodeConflict, "creation in progress, retry later")
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := e.guard.Release(context.WithoutCancel(ctx), step.IdempotencyKey, acq.Token); err != nil {
			e.logg.Warn(e.logg.WithField(ctx, "error", err.Error()), "failed to release idempotency lock")
		}
	}()

	value, err := runCreate(ctx, e, op, step)
	if err != nil {
		e.metrics.IncStep(op, "error")
		return zero, err
	}

	if step.Event != nil {
		e.emit(ctx, step.Event(value))
	}

	// Commit releases the lock on success; a failed commit leaves it to expire.
	committed = true
	if err := e.guard.Commit(context.WithoutCancel(ctx), step.IdempotencyKey, acq.Token, step.RequestHash, value, e.resultTTL); err != nil {
		e.logg.Error(ctx, "failed to cache create result", err)
	}
	e.metrics.IncStep(op, string(Created))
	return CreateResult[T]{Value: value, Outcome: Created}, nil
}

func runCreate[T any](ctx context.Context, e *Executor, op string, step CreateStep[T]) (T, error) {
	var value T
	if step.Validate != nil {
		if err := step.Validate(ctx); err != nil {
			return value, err
		}
	}
	if step.CheckAvailability != nil {
		if err := step.CheckAvailability(ctx); err != nil {
			return value, err
		}
	}

	err := e.inTx(ctx, op+".persist", func(tx *gorm.DB) error {
		v, err := step.Persist(ctx, tx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return value, err
		}
		return value, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist failed")
	}
	return value, nil
}
