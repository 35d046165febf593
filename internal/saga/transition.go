package saga

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/pkg/db"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/statemachine"
)

// TransitionStep moves one entity to Target. Write must update the row only
// while it still holds from and report the rows it changed. Event is optional.
type TransitionStep[S ~string] struct {
	Operation     string
	EntityID      string
	Target        S
	CorrelationID string
	Machine       *statemachine.Machine[S]
	Load          func(ctx context.Context) (S, error)
	Write         func(ctx context.Context, tx *gorm.DB, from, to S) (int64, error)
	Event         func(from, to S) *Event
}

// TransitionResult reports what happened. Status is the entity's status after
// the step; when the compare-and-set loses it is reloaded, falling back to the
// status read before the write if the reload fails. Duplicate is set when the
// same event was already applied.
type TransitionResult[S ~string] struct {
	Decision  statemachine.Decision
	Status    S
	Duplicate bool
}

// Applied reports whether the step changed the entity.
func (r TransitionResult[S]) Applied() bool {
	return r.Decision == statemachine.Apply
}

// ApplyTransition loads the entity, drops events it has already applied,
// asks the machine whether the move is legal and, if so, writes it with a
// compare-and-set before publishing. Rejected moves are logged and reported
// as a successful no-op.
func ApplyTransition[S ~string](ctx context.Context, e *Executor, step TransitionStep[S]) (TransitionResult[S], error) {
	var zero TransitionResult[S]
	if step.Machine == nil || step.Load == nil || step.Write == nil {
		return zero, pkgerrors.New(pkgerrors.CodeInternal, "transition step is incomplete")
	}
	op := step.Operation
	if op == "" {
		op = "transition"
	}
	target := string(step.Target)
	ctx = e.logg.WithFields(ctx, map[string]any{
		"operation": op,
		"entity_id": step.EntityID,
		"target":    target,
		"machine":   step.Machine.Name(),
	})

	var current S
	err := e.retrier.Do(ctx, op+".load", func(ctx context.Context) error {
		s, err := step.Load(ctx)
		current = s
		return err
	})
	if err != nil {
		e.metrics.IncStep(op, "error")
		if db.IsNotFound(err) {
			return zero, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, step.Machine.Name()+" not found").
				WithDetails(map[string]string{"id": step.EntityID})
		}
		if pkgerrors.As(err) != nil {
			return zero, err
		}
		return zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load "+step.Machine.Name())
	}
	ctx = e.logg.WithField(ctx, "current", string(current))

	if e.tracker.Seen(ctx, step.EntityID, target, step.CorrelationID) {
		e.metrics.IncStep(op, "duplicate")
		e.logg.Info(ctx, "event already applied, skipping")
		return TransitionResult[S]{Decision: statemachine.NoOp, Status: current, Duplicate: true}, nil
	}

	decision := step.Machine.Decide(current, step.Target)
	ctx = e.logg.WithField(ctx, "decision", decision.String())
	switch {
	case decision == statemachine.NoOp:
		e.metrics.IncStep(op, decision.String())
		e.logg.Info(ctx, "entity already in target status")
		return TransitionResult[S]{Decision: decision, Status: current}, nil
	case decision.Rejected():
		e.metrics.IncStep(op, decision.String())
		e.logg.Warn(e.logg.WithField(ctx, "code", string(pkgerrors.CodeStateConflict)), "invalid status transition ignored")
		return TransitionResult[S]{Decision: decision, Status: current}, nil
	}

	var rows int64
	err = e.inTx(ctx, op+".write", func(tx *gorm.DB) error {
		n, err := step.Write(ctx, tx, current, step.Target)
		rows = n
		return err
	})
	if err != nil {
		e.metrics.IncStep(op, "error")
		if pkgerrors.As(err) != nil {
			return zero, err
		}
		return zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "write "+step.Machine.Name()+" status")
	}
	if rows == 0 {
		e.metrics.IncStep(op, "lost_race")
		e.logg.Info(ctx, "status changed concurrently, nothing written")
		latest, err := step.Load(ctx)
		if err != nil {
			e.logg.Warn(e.logg.WithField(ctx, "error", err.Error()), "reload after lost race failed")
			latest = current
		}
		return TransitionResult[S]{Decision: statemachine.NoOp, Status: latest}, nil
	}

	if step.Event != nil {
		e.emit(ctx, step.Event(current, step.Target))
	}
	e.tracker.Mark(ctx, step.EntityID, target, step.CorrelationID)

	e.metrics.IncStep(op, decision.String())
	e.logg.Info(ctx, "status transition applied")
	return TransitionResult[S]{Decision: decision, Status: step.Target}, nil
}
