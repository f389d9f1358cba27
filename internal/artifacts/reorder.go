package artifacts

import (
	"context"
	"errors"

	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/models"
)

// Reorder moves the named questions to new positions in one transaction.
// Questions not named keep their relative order and fill the remaining
// positions, so indices stay dense and unique.
func (a *Artifacts) Reorder(ctx context.Context, verificationID string, moves []models.QuestionMove) ([]*models.Question, error) {
	if len(moves) == 0 {
		return a.List(ctx, verificationID)
	}

	err := a.store.RenumberQuestions(ctx, verificationID, func(current []*models.Question) ([]string, error) {
		return planOrder(current, moves)
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.Internal, "reorder questions", err)
	}

	a.logger.Info("questions reordered", "verification_id", verificationID, "moves", len(moves))
	return a.List(ctx, verificationID)
}

// planOrder returns the question IDs in their new order.
func planOrder(current []*models.Question, moves []models.QuestionMove) ([]string, error) {
	owned := make(map[string]bool, len(current))
	for _, q := range current {
		owned[q.ID] = true
	}
	for _, m := range moves {
		if !owned[m.ID] {
			return nil, apperr.Newf(apperr.OwnershipViolation, "question %s does not belong to this verification", m.ID).
				WithDetail("question_id", m.ID)
		}
	}

	n := len(current)
	slots := make([]string, n)
	moved := make(map[string]bool, len(moves))
	for _, m := range moves {
		if moved[m.ID] {
			return nil, apperr.Newf(apperr.ValidationError, "question %s appears more than once", m.ID)
		}
		if m.NewIndex < 0 || m.NewIndex >= n {
			return nil, apperr.Newf(apperr.ValidationError, "index %d out of range [0, %d)", m.NewIndex, n)
		}
		if slots[m.NewIndex] != "" {
			return nil, apperr.Newf(apperr.ValidationError, "index %d is assigned twice", m.NewIndex)
		}
		slots[m.NewIndex] = m.ID
		moved[m.ID] = true
	}

	next := 0
	for _, q := range current {
		if moved[q.ID] {
			continue
		}
		for slots[next] != "" {
			next++
		}
		slots[next] = q.ID
	}
	return slots, nil
}
