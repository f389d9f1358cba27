// Package access decides what a caller may do with a verification.
package access

import (
	"context"
	"errors"

	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/store"
)

// Access describes a caller's rights on one verification.
type Access struct {
	Exists  bool          `json:"exists"`
	IsOwner bool          `json:"is_owner"`
	Status  models.Status `json:"status,omitempty"`
	CanEdit bool          `json:"can_edit"`
}

// Store loads verifications.
type Store interface {
	GetVerification(ctx context.Context, id string) (*models.Verification, error)
}

// Gate computes and enforces access. It never mutates state.
type Gate struct {
	store Store
}

// New creates a gate backed by st.
func New(st Store) *Gate {
	return &Gate{store: st}
}

// Check returns the caller's access. Questions are editable only by the
// owner while the verification is processing_questions.
func (g *Gate) Check(ctx context.Context, verificationID, userID string) (*Access, error) {
	v, err := g.store.GetVerification(ctx, verificationID)
	if errors.Is(err, store.ErrNotFound) {
		return &Access{}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load verification", err)
	}

	a := &Access{
		Exists:  true,
		IsOwner: userID != "" && v.OwnerID == userID,
		Status:  v.Status,
	}
	a.CanEdit = a.IsOwner && v.Status == models.StatusProcessingQuestions
	return a, nil
}

// Authorize fails with NotFound, Forbidden or InvalidState when the caller
// may not act on the verification. requireEdit demands CanEdit.
func (g *Gate) Authorize(ctx context.Context, verificationID, userID string, requireEdit bool) (*Access, error) {
	a, err := g.Check(ctx, verificationID, userID)
	if err != nil {
		return nil, err
	}
	if !a.Exists {
		return nil, apperr.Newf(apperr.NotFound, "verification %s not found", verificationID)
	}
	if !a.IsOwner {
		return nil, apperr.New(apperr.Forbidden, "caller does not own this verification")
	}
	if requireEdit && !a.CanEdit {
		return nil, apperr.Newf(apperr.InvalidState, "verification is %s; questions can only be edited while %s",
			a.Status, models.StatusProcessingQuestions).WithDetail("status", string(a.Status))
	}
	return a, nil
}

// RequireStatus authorizes the owner and additionally demands that the
// verification is in one of statuses.
func (g *Gate) RequireStatus(ctx context.Context, verificationID, userID string, statuses ...models.Status) (*Access, error) {
	a, err := g.Authorize(ctx, verificationID, userID, false)
	if err != nil {
		return nil, err
	}
	for _, s := range statuses {
		if a.Status == s {
			return a, nil
		}
	}
	return nil, apperr.Newf(apperr.InvalidState, "operation not allowed while verification is %s", a.Status).
		WithDetail("status", string(a.Status))
}
