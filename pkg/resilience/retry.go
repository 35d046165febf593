// Package resilience holds the two retry shapes used around infrastructure:
// bounded connection establishment at startup and short retries of transient
// operation failures.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/orderflow/pkg/config"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/sethvargo/go-retry"
)

const minDelay = time.Millisecond

// Policy bounds a retry loop. Attempts counts the first try.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// ConnectPolicy is used while dialing dependencies at startup.
func ConnectPolicy(cfg config.ResilienceConfig) Policy {
	return Policy{
		Attempts:     cfg.ConnectAttempts,
		InitialDelay: cfg.ConnectInitialDelay,
		MaxDelay:     cfg.ConnectMaxDelay,
	}
}

// OperationPolicy is used for transient failures of individual operations.
func OperationPolicy(cfg config.ResilienceConfig) Policy {
	return Policy{
		Attempts:     cfg.OperationAttempts,
		InitialDelay: cfg.OperationBaseDelay,
	}
}

func (p Policy) backoff() retry.Backoff {
	delay := p.InitialDelay
	if delay < minDelay {
		delay = minDelay
	}
	b := retry.NewExponential(delay)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	retries := 0
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Connect calls fn until it succeeds or the policy is exhausted. Every failure
// counts as retryable. Exhaustion returns a DEPENDENCY_ERROR; callers treat it
// as fatal.
func Connect(ctx context.Context, logg *logger.Logger, name string, policy Policy, fn func(context.Context) error) error {
	attempt := 0
	var last error
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			last = err
			if logg != nil {
				logCtx := logg.WithFields(ctx, map[string]any{
					"dependency":   name,
					"attempt":      attempt,
					"max_attempts": policy.attempts(),
					"error":        err.Error(),
				})
				logg.Warn(logCtx, "dependency connection failed")
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		if logg != nil {
			logg.Info(logg.WithField(ctx, "dependency", name), "dependency connected")
		}
		return nil
	}
	if last == nil {
		last = err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, last, fmt.Sprintf("connect %s: gave up after %d attempts", name, attempt))
}

// Retrier retries operations whose failures classify as transient.
type Retrier struct {
	policy   Policy
	logg     *logger.Logger
	classify func(error) bool
}

// NewRetrier builds a Retrier using IsTransient for classification.
func NewRetrier(policy Policy, logg *logger.Logger) *Retrier {
	return &Retrier{policy: policy, logg: logg, classify: IsTransient}
}

// Do runs fn. Non-transient errors return immediately and unchanged; transient
// errors are retried and, once the policy is exhausted, wrapped as a
// DEPENDENCY_ERROR.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}
	attempt := 0
	err := retry.Do(ctx, r.policy.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !r.classify(err) {
			return err
		}
		if r.logg != nil {
			logCtx := r.logg.WithFields(ctx, map[string]any{
				"operation": op,
				"attempt":   attempt,
				"error":     err.Error(),
			})
			r.logg.Warn(logCtx, "transient failure, retrying")
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if r.classify(err) && attempt >= r.policy.attempts() {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s: transient failure persisted after %d attempts", op, attempt))
	}
	return err
}
