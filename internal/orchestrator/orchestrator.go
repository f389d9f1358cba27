// Package orchestrator drives external jobs through submit, poll and
// retrieve while keeping the audit log in step with every outcome.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/audit"
	"github.com/kilupskalvis/factflow/internal/jobapi"
)

// Config holds retry and polling limits.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int
	SubmitTimeout   time.Duration

	// Retryable decides whether a failed attempt is tried again.
	// Defaults to jobapi.IsTransient.
	Retryable func(error) bool
}

// DefaultConfig returns the standard limits: 3 attempts starting at 1s, and
// 50 polls 4s apart.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelay:      time.Second,
		PollInterval:    4 * time.Second,
		MaxPollAttempts: 50,
		SubmitTimeout:   60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.PollInterval < 0 {
		c.PollInterval = 0
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = d.MaxPollAttempts
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.Retryable == nil {
		c.Retryable = jobapi.IsTransient
	}
	return c
}

// Delay returns the wait after failed attempt n (1-based): base * 2^(n-1).
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Orchestrator runs audited job steps.
type Orchestrator struct {
	log    *audit.Log
	jobs   jobapi.Client
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator that records to log and polls jobs.
func New(log *audit.Log, jobs jobapi.Client, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		log:    log,
		jobs:   jobs,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleep,
	}
}

// Config returns the effective limits.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin records the started entry of an attempt.
func (o *Orchestrator) begin(ctx context.Context, vid, step string) error {
	if err := o.log.Started(ctx, vid, step); err != nil {
		return apperr.Wrap(apperr.Internal, "record step start", err).WithStep(step)
	}
	return nil
}

// succeed records the completed entry. When that write fails the step is
// closed with an error entry instead, so it never stays open.
func (o *Orchestrator) succeed(ctx context.Context, vid, step string, payload any) error {
	if err := o.log.Completed(ctx, vid, step, payload); err != nil {
		o.logger.Error("record step completion", "verification_id", vid, "step", step, "error", err)
		return o.fail(ctx, vid, step, apperr.Wrap(apperr.Internal, "record step completion", err))
	}
	return nil
}

// fail records the error entry for cause and returns it step-qualified.
// The entry is written on a context detached from cancellation.
func (o *Orchestrator) fail(ctx context.Context, vid, step string, cause *apperr.Error) error {
	cause = cause.WithStep(step)
	msg := string(cause.Kind) + ": " + apperr.Message(cause)
	if err := o.log.Failed(context.WithoutCancel(ctx), vid, step, msg); err != nil {
		o.logger.Error("record step failure", "verification_id", vid, "step", step, "error", err)
	}
	o.logger.Warn("step failed", "verification_id", vid, "step", step, "kind", cause.Kind, "error", apperr.Message(cause))
	return cause
}

func cancelled(ctx context.Context) *apperr.Error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return apperr.Wrap(apperr.Cancelled, cause.Error(), cause)
}

// classify maps a failed attempt to an error kind. Errors that already
// carry a kind keep it.
func classify(err error) *apperr.Error {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.Internal {
		return apperr.Wrap(ae.Kind, apperr.Message(err), err)
	}
	return apperr.Wrap(apperr.Transient, err.Error(), err)
}
