package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/jobapi"
	"github.com/kilupskalvis/factflow/internal/models"
)

// PollUntilDone queries jobID until it reaches a terminal state or the
// attempt budget runs out, and returns the raw result of a completed job.
// A job the backend does not know fails at once.
func (o *Orchestrator) PollUntilDone(ctx context.Context, vid, step, jobID string) (json.RawMessage, error) {
	if err := o.begin(ctx, vid, step); err != nil {
		return nil, err
	}
	raw, perr := o.poll(ctx, vid, step, jobID)
	if perr != nil {
		return nil, o.fail(ctx, vid, step, perr)
	}
	if err := o.succeed(ctx, vid, step, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// AwaitResult polls jobID and decodes its result into T within the same
// audited attempt. A result that does not decode or validate is reported
// as an empty result.
func AwaitResult[T models.Payload](ctx context.Context, o *Orchestrator, vid, step, jobID string) (T, error) {
	var zero T
	if err := o.begin(ctx, vid, step); err != nil {
		return zero, err
	}
	raw, perr := o.poll(ctx, vid, step, jobID)
	if perr != nil {
		return zero, o.fail(ctx, vid, step, perr)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, o.fail(ctx, vid, step, apperr.Wrap(apperr.EmptyResult, "malformed result: "+err.Error(), err).
			WithDetail("job_id", jobID))
	}
	if err := v.Validate(); err != nil {
		return zero, o.fail(ctx, vid, step, apperr.Wrap(apperr.EmptyResult, "unusable result: "+err.Error(), err).
			WithDetail("job_id", jobID))
	}
	if err := o.succeed(ctx, vid, step, raw); err != nil {
		return zero, err
	}
	return v, nil
}

func (o *Orchestrator) poll(ctx context.Context, vid, step, jobID string) (json.RawMessage, *apperr.Error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxPollAttempts; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, o.cfg.PollInterval); err != nil {
				return nil, cancelled(ctx)
			}
		}

		qctx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		st, err := o.jobs.Status(qctx, jobID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx)
			}
			var ae *jobapi.APIError
			if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
				return nil, apperr.Wrap(apperr.JobFailed, fmt.Sprintf("job %s not found", jobID), err).WithDetail("job_id", jobID)
			}
			lastErr = err
			o.logger.Warn("job status query failed",
				"verification_id", vid, "step", step, "job_id", jobID, "attempt", attempt, "error", err)
			continue
		}

		switch st.Status {
		case jobapi.StateCompleted:
			if isEmpty(st.Result) {
				return nil, apperr.New(apperr.EmptyResult, "job completed without a result").WithDetail("job_id", jobID)
			}
			o.logger.Info("job completed", "verification_id", vid, "step", step, "job_id", jobID, "attempts", attempt)
			return st.Result, nil
		case jobapi.StateFailed, jobapi.StateError:
			msg := st.Error
			if msg == "" {
				msg = "job reported " + string(st.Status)
			}
			return nil, apperr.New(apperr.JobFailed, msg).WithDetail("job_id", jobID)
		}
	}

	msg := fmt.Sprintf("job %s not finished after %d polls", jobID, o.cfg.MaxPollAttempts)
	if lastErr != nil {
		msg += fmt.Sprintf(" (last error: %v)", lastErr)
	}
	return nil, apperr.New(apperr.PollingTimeout, msg).WithDetail("job_id", jobID)
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
