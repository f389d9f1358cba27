// Package audit records the append-only process log of each verification.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/store"
)

// DefaultRetention is how long entries are kept before Purge removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Store is the persistence the audit log needs.
type Store interface {
	AppendLogEntry(ctx context.Context, e *models.ProcessLogEntry) error
	ListLogEntries(ctx context.Context, verificationID string) ([]*models.ProcessLogEntry, error)
	ListLogEntriesByStatus(ctx context.Context, verificationID string, status models.LogStatus) ([]*models.ProcessLogEntry, error)
	LatestLogEntry(ctx context.Context, verificationID, step string) (*models.ProcessLogEntry, error)
	HasLogEntry(ctx context.Context, verificationID, step string, status models.LogStatus) (bool, error)
	PurgeLogEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Log appends and queries process log entries.
type Log struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an audit log backed by st.
func New(st Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: st, logger: logger, now: time.Now}
}

// Record appends one entry. errMsg is required when status is error and
// must be empty otherwise. payload may be nil.
func (l *Log) Record(ctx context.Context, verificationID, step string, status models.LogStatus, errMsg string, payload any) (*models.ProcessLogEntry, error) {
	if verificationID == "" || strings.TrimSpace(step) == "" {
		return nil, apperr.New(apperr.ValidationError, "verification id and step are required")
	}
	if !status.Valid() {
		return nil, apperr.Newf(apperr.ValidationError, "unknown log status %q", status)
	}
	if status == models.LogError && errMsg == "" {
		return nil, apperr.New(apperr.ValidationError, "error message is required for error entries")
	}
	if status != models.LogError && errMsg != "" {
		return nil, apperr.Newf(apperr.ValidationError, "error message is not allowed for %s entries", status)
	}

	doc, err := models.NewJSON(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.ValidationError, "payload is not serializable", err)
	}

	e := &models.ProcessLogEntry{
		VerificationID: verificationID,
		Step:           step,
		Status:         status,
		Payload:        doc,
	}
	if errMsg != "" {
		e.ErrorMessage = &errMsg
	}
	if err := l.store.AppendLogEntry(ctx, e); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "append log entry", err)
	}
	return e, nil
}

// Started records the start of a step.
func (l *Log) Started(ctx context.Context, verificationID, step string) error {
	_, err := l.Record(ctx, verificationID, step, models.LogStarted, "", nil)
	return err
}

// Completed records a successful step with an optional payload.
func (l *Log) Completed(ctx context.Context, verificationID, step string, payload any) error {
	_, err := l.Record(ctx, verificationID, step, models.LogCompleted, "", payload)
	return err
}

// Failed records a failed step. An empty message is replaced so the entry
// always satisfies the error-message rule.
func (l *Log) Failed(ctx context.Context, verificationID, step, msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	_, err := l.Record(ctx, verificationID, step, models.LogError, msg, nil)
	return err
}

// List returns every entry for a verification, newest first.
func (l *Log) List(ctx context.Context, verificationID string) ([]*models.ProcessLogEntry, error) {
	return l.store.ListLogEntries(ctx, verificationID)
}

// Errors returns only the error entries for a verification, newest first.
func (l *Log) Errors(ctx context.Context, verificationID string) ([]*models.ProcessLogEntry, error) {
	return l.store.ListLogEntriesByStatus(ctx, verificationID, models.LogError)
}

// Latest returns the newest entry for a step, or nil if the step never ran.
func (l *Log) Latest(ctx context.Context, verificationID, step string) (*models.ProcessLogEntry, error) {
	e, err := l.store.LatestLogEntry(ctx, verificationID, step)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// StepCompleted reports whether step ever recorded a completed entry.
func (l *Log) StepCompleted(ctx context.Context, verificationID, step string) (bool, error) {
	return l.store.HasLogEntry(ctx, verificationID, step, models.LogCompleted)
}

// PurgeResult contains the outcome of a retention run.
type PurgeResult struct {
	Cutoff  time.Time
	Deleted int64
}

// Purge deletes entries older than horizon. A non-positive horizon uses
// DefaultRetention.
func (l *Log) Purge(ctx context.Context, horizon time.Duration) (*PurgeResult, error) {
	if horizon <= 0 {
		horizon = DefaultRetention
	}
	cutoff := l.now().Add(-horizon)

	n, err := l.store.PurgeLogEntriesBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge log entries: %w", err)
	}

	l.logger.Info("audit purge complete", "cutoff", cutoff.UTC().Format(time.RFC3339), "deleted", n)
	return &PurgeResult{Cutoff: cutoff, Deleted: n}, nil
}
