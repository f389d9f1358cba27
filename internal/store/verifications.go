package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kilupskalvis/factflow/internal/models"
)

const verificationColumns = `id, owner_id, claim_text, status, share_token, created_at, updated_at`

// InsertVerification stores a new verification, stamping its timestamps.
func (s *Store) InsertVerification(ctx context.Context, v *models.Verification) error {
	now := s.now()
	v.CreatedAt, v.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO verifications (id, owner_id, claim_text, status, share_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), v.ID, v.OwnerID, v.Text, v.Status, v.ShareToken, v.CreatedAt, v.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

// GetVerification returns the verification with the given ID.
func (s *Store) GetVerification(ctx context.Context, id string) (*models.Verification, error) {
	var v models.Verification
	err := s.db.GetContext(ctx, &v, s.q(`SELECT `+verificationColumns+` FROM verifications WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// GetVerificationByShareToken returns the verification published under token.
func (s *Store) GetVerificationByShareToken(ctx context.Context, token string) (*models.Verification, error) {
	var v models.Verification
	err := s.db.GetContext(ctx, &v, s.q(`SELECT `+verificationColumns+` FROM verifications WHERE share_token = ?`), token)
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// ListVerificationsByOwner returns an owner's verifications, newest first.
func (s *Store) ListVerificationsByOwner(ctx context.Context, ownerID string) ([]*models.Verification, error) {
	var out []*models.Verification
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+verificationColumns+` FROM verifications
		WHERE owner_id = ? ORDER BY created_at DESC, id DESC
	`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	return out, nil
}

// ListVerificationsByStatus returns every verification currently in status.
func (s *Store) ListVerificationsByStatus(ctx context.Context, status models.Status) ([]*models.Verification, error) {
	var out []*models.Verification
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+verificationColumns+` FROM verifications
		WHERE status = ? ORDER BY updated_at
	`), status)
	if err != nil {
		return nil, fmt.Errorf("list verifications by status: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a verification from one status to another only if its
// current status still equals from. It returns ErrNotFound for an unknown ID
// and ErrConflict when the status no longer matches.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to models.Status) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE verifications SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), to, s.now(), id, from)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return s.checkStatusWrite(ctx, res, id)
}

// UpdateStatusUnless sets status to to unless the current status is one of
// unless. It returns ErrConflict when the current status is excluded.
func (s *Store) UpdateStatusUnless(ctx context.Context, id string, to models.Status, unless ...models.Status) error {
	query := `UPDATE verifications SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{to, s.now(), id}
	if len(unless) > 0 {
		in, inArgs, err := sqlx.In(` AND status NOT IN (?)`, unless)
		if err != nil {
			return fmt.Errorf("build status filter: %w", err)
		}
		query += in
		args = append(args, inArgs...)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("force status: %w", err)
	}
	return s.checkStatusWrite(ctx, res, id)
}

// SetShareToken assigns token to a verification that has none. It returns
// ErrConflict when a token is already set or the token is taken.
func (s *Store) SetShareToken(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE verifications SET share_token = ?, updated_at = ?
		WHERE id = ? AND share_token IS NULL
	`), token, s.now(), id)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("set share token: %w", err)
	}
	return s.checkStatusWrite(ctx, res, id)
}

// checkStatusWrite distinguishes a missing row from a failed condition when a
// conditional update touched nothing.
func (s *Store) checkStatusWrite(ctx context.Context, res interface{ RowsAffected() (int64, error) }, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.GetContext(ctx, &exists, s.q(`SELECT COUNT(*) FROM verifications WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("check verification: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
