package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/factflow/internal/apperr"
)

// RunWithRetry runs op up to MaxRetries times, waiting Delay(RetryDelay, n)
// after failed attempt n. Each attempt gets its own SubmitTimeout deadline.
// Exactly one started and one terminal entry are recorded for step.
func RunWithRetry[T any](ctx context.Context, o *Orchestrator, vid, step string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := o.begin(ctx, vid, step); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		v, err := op(actx)
		cancel()

		if err == nil {
			if err := o.succeed(ctx, vid, step, v); err != nil {
				return zero, err
			}
			if attempt > 1 {
				o.logger.Info("step succeeded after retry", "verification_id", vid, "step", step, "attempt", attempt)
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, o.fail(ctx, vid, step, cancelled(ctx))
		}

		lastErr = err
		if typed(err) {
			return zero, o.fail(ctx, vid, step, classify(err))
		}
		timedOut := errors.Is(err, context.DeadlineExceeded)
		if !timedOut && !o.cfg.Retryable(err) {
			return zero, o.fail(ctx, vid, step, classify(err))
		}

		o.logger.Warn("attempt failed",
			"verification_id", vid,
			"step", step,
			"attempt", attempt,
			"max_attempts", o.cfg.MaxRetries,
			"error", err,
		)
		if attempt < o.cfg.MaxRetries {
			if err := o.sleep(ctx, Delay(o.cfg.RetryDelay, attempt)); err != nil {
				return zero, o.fail(ctx, vid, step, cancelled(ctx))
			}
		}
	}

	return zero, o.fail(ctx, vid, step, apperr.Wrap(apperr.Transient,
		fmt.Sprintf("%s (after %d attempts)", lastErr, o.cfg.MaxRetries), lastErr))
}

// typed reports whether err already carries a definite kind. Such errors
// are final: only transient and internal failures are worth another attempt.
func typed(err error) bool {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind != apperr.Internal && ae.Kind != apperr.Transient
}

// Run is a single audited attempt of op. Local steps use it so their
// failures are logged like external ones.
func Run[T any](ctx context.Context, o *Orchestrator, vid, step string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := o.begin(ctx, vid, step); err != nil {
		return zero, err
	}
	v, err := op(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return zero, o.fail(ctx, vid, step, cancelled(ctx))
		}
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return zero, o.fail(ctx, vid, step, apperr.Wrap(ae.Kind, apperr.Message(err), err))
		}
		return zero, o.fail(ctx, vid, step, apperr.Wrap(apperr.Internal, err.Error(), err))
	}
	if err := o.succeed(ctx, vid, step, v); err != nil {
		return zero, err
	}
	return v, nil
}
