package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kilupskalvis/factflow/internal/models"
)

const logColumns = `id, verification_id, step, status, error_message, payload, created_at`

// AppendLogEntry appends an audit entry and fills in its ID and timestamp.
func (s *Store) AppendLogEntry(ctx context.Context, e *models.ProcessLogEntry) error {
	e.CreatedAt = s.now()
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO process_log_entries (verification_id, step, status, error_message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`), e.VerificationID, e.Step, e.Status, e.ErrorMessage, e.Payload, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

// ListLogEntries returns every entry for a verification, newest first.
func (s *Store) ListLogEntries(ctx context.Context, verificationID string) ([]*models.ProcessLogEntry, error) {
	var out []*models.ProcessLogEntry
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+logColumns+` FROM process_log_entries
		WHERE verification_id = ? ORDER BY created_at DESC, id DESC
	`), verificationID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	return out, nil
}

// ListLogEntriesByStatus returns entries with the given status, newest first.
func (s *Store) ListLogEntriesByStatus(ctx context.Context, verificationID string, status models.LogStatus) ([]*models.ProcessLogEntry, error) {
	var out []*models.ProcessLogEntry
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+logColumns+` FROM process_log_entries
		WHERE verification_id = ? AND status = ? ORDER BY created_at DESC, id DESC
	`), verificationID, status)
	if err != nil {
		return nil, fmt.Errorf("list log entries by status: %w", err)
	}
	return out, nil
}

// LatestLogEntry returns the newest entry for a step.
func (s *Store) LatestLogEntry(ctx context.Context, verificationID, step string) (*models.ProcessLogEntry, error) {
	var e models.ProcessLogEntry
	err := s.db.GetContext(ctx, &e, s.q(`
		SELECT `+logColumns+` FROM process_log_entries
		WHERE verification_id = ? AND step = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`), verificationID, step)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// HasLogEntry reports whether a step ever recorded status.
func (s *Store) HasLogEntry(ctx context.Context, verificationID, step string, status models.LogStatus) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`
		SELECT COUNT(*) FROM process_log_entries
		WHERE verification_id = ? AND step = ? AND status = ?
	`), verificationID, step, status)
	if err != nil {
		return false, fmt.Errorf("check log entry: %w", err)
	}
	return n > 0, nil
}

// PurgeLogEntriesBefore deletes entries created before cutoff and returns
// how many were removed.
func (s *Store) PurgeLogEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM process_log_entries WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge log entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
