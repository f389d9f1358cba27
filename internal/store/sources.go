package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kilupskalvis/factflow/internal/models"
)

const sourceColumns = `id, verification_id, url, title, snippet, selected, order_index, created_at`

// InsertSourcesIfNone inserts srcs provided the verification has no sources
// yet. It mirrors InsertQuestionsIfNone.
func (s *Store) InsertSourcesIfNone(ctx context.Context, verificationID string, srcs []*models.Source) (bool, int, error) {
	var (
		inserted bool
		existing int
	)
	now := s.now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &existing, s.q(`SELECT COUNT(*) FROM sources WHERE verification_id = ?`), verificationID); err != nil {
			return fmt.Errorf("count sources: %w", err)
		}
		if existing > 0 {
			return nil
		}
		for _, src := range srcs {
			src.VerificationID = verificationID
			src.CreatedAt = now
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO sources (id, verification_id, url, title, snippet, selected, order_index, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`), src.ID, src.VerificationID, src.URL, src.Title, src.Snippet, src.Selected, src.OrderIndex, src.CreatedAt)
			if isUniqueViolation(err) {
				return ErrConflict
			}
			if err != nil {
				return fmt.Errorf("insert source: %w", err)
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return inserted, existing, nil
}

// ListSources returns a verification's sources in order.
func (s *Store) ListSources(ctx context.Context, verificationID string) ([]*models.Source, error) {
	var out []*models.Source
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+sourceColumns+` FROM sources
		WHERE verification_id = ? ORDER BY order_index
	`), verificationID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// SetSelectedSources marks exactly ids as selected. Every id must belong to
// the verification or nothing changes and ErrConflict is returned.
func (s *Store) SetSelectedSources(ctx context.Context, verificationID string, ids []string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE sources SET selected = ? WHERE verification_id = ?`), false, verificationID); err != nil {
			return fmt.Errorf("clear selection: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`UPDATE sources SET selected = ? WHERE verification_id = ? AND id IN (?)`, true, verificationID, ids)
		if err != nil {
			return fmt.Errorf("build selection: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return fmt.Errorf("select sources: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if int(n) != len(ids) {
			return ErrConflict
		}
		return nil
	})
}

// InsertFinalResult stores the terminal result once. A second insert for the
// same verification is ignored and reported as not inserted.
func (s *Store) InsertFinalResult(ctx context.Context, r *models.FinalResult) (bool, error) {
	r.CreatedAt = s.now()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO final_results (verification_id, verdict, label, summary, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (verification_id) DO NOTHING
	`), r.VerificationID, r.Verdict, r.Label, r.Summary, r.Payload, r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert final result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetFinalResult returns the terminal result of a verification.
func (s *Store) GetFinalResult(ctx context.Context, verificationID string) (*models.FinalResult, error) {
	var r models.FinalResult
	err := s.db.GetContext(ctx, &r, s.q(`
		SELECT verification_id, verdict, label, summary, payload, created_at
		FROM final_results WHERE verification_id = ?
	`), verificationID)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}
