package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kilupskalvis/factflow/internal/models"
)

const questionColumns = `id, verification_id, text, original_text, is_edited, order_index, created_at`

// shiftOffset is added on top of the row count when rows are parked outside
// the live index range during a renumber.
const shiftOffset = 1000

// CountQuestions returns the number of questions a verification has.
func (s *Store) CountQuestions(ctx context.Context, verificationID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM questions WHERE verification_id = ?`), verificationID)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

// InsertQuestionsIfNone inserts qs in one transaction provided the
// verification has no questions yet. It reports whether the rows were
// written and, if not, how many questions already exist. A concurrent writer
// that inserted first surfaces as ErrConflict.
func (s *Store) InsertQuestionsIfNone(ctx context.Context, verificationID string, qs []*models.Question) (bool, int, error) {
	var (
		inserted bool
		existing int
	)
	now := s.now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &existing, s.q(`SELECT COUNT(*) FROM questions WHERE verification_id = ?`), verificationID); err != nil {
			return fmt.Errorf("count questions: %w", err)
		}
		if existing > 0 {
			return nil
		}
		for _, q := range qs {
			q.VerificationID = verificationID
			q.CreatedAt = now
			if err := insertQuestion(ctx, tx, s.q, q); err != nil {
				return err
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

// AppendQuestion inserts q after the verification's last question.
func (s *Store) AppendQuestion(ctx context.Context, q *models.Question) error {
	q.CreatedAt = s.now()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var next int
		err := tx.GetContext(ctx, &next, s.q(`
			SELECT COALESCE(MAX(order_index) + 1, 0) FROM questions WHERE verification_id = ?
		`), q.VerificationID)
		if err != nil {
			return fmt.Errorf("next order index: %w", err)
		}
		q.OrderIndex = next
		return insertQuestion(ctx, tx, s.q, q)
	})
}

func insertQuestion(ctx context.Context, tx *sqlx.Tx, rebind func(string) string, q *models.Question) error {
	_, err := tx.ExecContext(ctx, rebind(`
		INSERT INTO questions (id, verification_id, text, original_text, is_edited, order_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), q.ID, q.VerificationID, q.Text, q.OriginalText, q.IsEdited, q.OrderIndex, q.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// ListQuestions returns a verification's questions in order.
func (s *Store) ListQuestions(ctx context.Context, verificationID string) ([]*models.Question, error) {
	var out []*models.Question
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+questionColumns+` FROM questions
		WHERE verification_id = ? ORDER BY order_index
	`), verificationID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return out, nil
}

// GetQuestion returns a single question.
func (s *Store) GetQuestion(ctx context.Context, id string) (*models.Question, error) {
	var q models.Question
	err := s.db.GetContext(ctx, &q, s.q(`SELECT `+questionColumns+` FROM questions WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// UpdateQuestionText replaces a question's text and marks it edited. The
// original text is left untouched.
func (s *Store) UpdateQuestionText(ctx context.Context, id, text string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE questions SET text = ?, is_edited = ? WHERE id = ?`), text, true, id)
	if err != nil {
		return fmt.Errorf("update question: %w", err)
	}
	return affectedOrNotFound(res)
}

// DeleteQuestion removes a question and closes the gap it leaves.
func (s *Store) DeleteQuestion(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var verificationID string
		err := tx.GetContext(ctx, &verificationID, s.q(`SELECT verification_id FROM questions WHERE id = ?`), id)
		if err != nil {
			return notFound(err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM questions WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete question: %w", err)
		}

		var ids []string
		err = tx.SelectContext(ctx, &ids, s.q(`SELECT id FROM questions WHERE verification_id = ? ORDER BY order_index`), verificationID)
		if err != nil {
			return fmt.Errorf("list remaining questions: %w", err)
		}
		return s.renumber(ctx, tx, "questions", verificationID, ids)
	})
}

// RenumberQuestions rewrites the order of a verification's questions in one
// transaction. plan receives the current questions in order and returns the
// complete list of question IDs in their new order. Rows are first parked in
// an index range disjoint from both the current and the final ranges, so the
// (verification_id, order_index) constraint holds after every statement.
func (s *Store) RenumberQuestions(ctx context.Context, verificationID string, plan func(current []*models.Question) ([]string, error)) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current []*models.Question
		err := tx.SelectContext(ctx, &current, s.q(`
			SELECT `+questionColumns+` FROM questions
			WHERE verification_id = ? ORDER BY order_index
		`), verificationID)
		if err != nil {
			return fmt.Errorf("load questions: %w", err)
		}

		order, err := plan(current)
		if err != nil {
			return err
		}
		if len(order) != len(current) {
			return fmt.Errorf("renumber: plan returned %d ids for %d questions", len(order), len(current))
		}
		return s.renumber(ctx, tx, "questions", verificationID, order)
	})
}

// renumber assigns order_index i to order[i] using a two-phase shift. All
// rows of the parent move to index+shift first, where shift exceeds every
// current index, and then take their final positions.
func (s *Store) renumber(ctx context.Context, tx *sqlx.Tx, table, parentID string, order []string) error {
	if len(order) == 0 {
		return nil
	}

	var maxIndex int
	err := tx.GetContext(ctx, &maxIndex, s.q(`SELECT COALESCE(MAX(order_index), 0) FROM `+table+` WHERE verification_id = ?`), parentID)
	if err != nil {
		return fmt.Errorf("max order index: %w", err)
	}
	shift := max(len(order), maxIndex+1) + shiftOffset

	_, err = tx.ExecContext(ctx, s.q(`UPDATE `+table+` SET order_index = order_index + ? WHERE verification_id = ?`), shift, parentID)
	if err != nil {
		return fmt.Errorf("shift order indices: %w", err)
	}

	for i, id := range order {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE `+table+` SET order_index = ? WHERE id = ? AND verification_id = ?`), i, id, parentID)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("assign order index: %w", err)
		}
		if err := affectedOrNotFound(res); err != nil {
			return fmt.Errorf("assign order index %s: %w", id, err)
		}
	}
	return nil
}

func affectedOrNotFound(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
