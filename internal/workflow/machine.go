// Package workflow owns the verification lifecycle: creation, table-driven
// status transitions and the forced move to error.
package workflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/store"
)

// transitions lists the allowed forward moves. The move to error is handled
// by ForceError and is not part of the table.
var transitions = map[models.Status]models.Status{
	models.StatusDraft:               models.StatusProcessingQuestions,
	models.StatusProcessingQuestions: models.StatusSourcesReady,
	models.StatusSourcesReady:        models.StatusGeneratingSummary,
	models.StatusGeneratingSummary:   models.StatusCompleted,
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to models.Status) bool {
	next, ok := transitions[from]
	return ok && next == to
}

// Next returns the status that follows from, if any.
func Next(from models.Status) (models.Status, bool) {
	next, ok := transitions[from]
	return next, ok
}

// Store is the persistence the state machine needs.
type Store interface {
	InsertVerification(ctx context.Context, v *models.Verification) error
	GetVerification(ctx context.Context, id string) (*models.Verification, error)
	GetVerificationByShareToken(ctx context.Context, token string) (*models.Verification, error)
	ListVerificationsByOwner(ctx context.Context, ownerID string) ([]*models.Verification, error)
	ListVerificationsByStatus(ctx context.Context, status models.Status) ([]*models.Verification, error)
	UpdateStatus(ctx context.Context, id string, from, to models.Status) error
	UpdateStatusUnless(ctx context.Context, id string, to models.Status, unless ...models.Status) error
	SetShareToken(ctx context.Context, id, token string) error
}

// Machine applies lifecycle changes to verifications.
type Machine struct {
	store  Store
	logger *slog.Logger
}

// New creates a state machine backed by st.
func New(st Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: st, logger: logger}
}

// Create validates the claim text and stores a new verification in draft.
func (m *Machine) Create(ctx context.Context, ownerID, text string) (*models.Verification, error) {
	if ownerID == "" {
		return nil, apperr.New(apperr.ValidationError, "owner id is required")
	}
	text, n := models.NormalizeText(text)
	if n < models.MinClaimLength || n > models.MaxClaimLength {
		return nil, apperr.Newf(apperr.ValidationError,
			"claim text must be %d-%d characters, got %d", models.MinClaimLength, models.MaxClaimLength, n)
	}

	v := &models.Verification{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Text:    text,
		Status:  models.StatusDraft,
	}
	if err := m.store.InsertVerification(ctx, v); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "create verification", err)
	}

	m.logger.Info("verification created", "verification_id", v.ID, "owner_id", ownerID)
	return v, nil
}

// Get returns a verification by ID.
func (m *Machine) Get(ctx context.Context, id string) (*models.Verification, error) {
	v, err := m.store.GetVerification(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "verification %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load verification", err)
	}
	return v, nil
}

// List returns the verifications owned by ownerID.
func (m *Machine) List(ctx context.Context, ownerID string) ([]*models.Verification, error) {
	vs, err := m.store.ListVerificationsByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list verifications", err)
	}
	return vs, nil
}

// ListByStatus returns every verification currently in status.
func (m *Machine) ListByStatus(ctx context.Context, status models.Status) ([]*models.Verification, error) {
	if !status.Valid() {
		return nil, apperr.Newf(apperr.ValidationError, "unknown status %q", status)
	}
	vs, err := m.store.ListVerificationsByStatus(ctx, status)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list verifications", err)
	}
	return vs, nil
}

// Transition moves a verification from -> to. The pair must be in the table
// and the stored status must still equal from; otherwise nothing is written
// and InvalidTransition is returned.
func (m *Machine) Transition(ctx context.Context, id string, from, to models.Status) error {
	if !Allowed(from, to) {
		return apperr.Newf(apperr.InvalidTransition, "transition %s -> %s is not allowed", from, to)
	}

	err := m.store.UpdateStatus(ctx, id, from, to)
	switch {
	case err == nil:
		m.logger.Info("verification transitioned", "verification_id", id, "from", from, "to", to)
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.Newf(apperr.NotFound, "verification %s not found", id)
	case errors.Is(err, store.ErrConflict):
		current := "unknown"
		if v, gerr := m.store.GetVerification(ctx, id); gerr == nil {
			current = string(v.Status)
		}
		return apperr.Newf(apperr.InvalidTransition, "transition %s -> %s rejected: status is %s", from, to, current).
			WithDetail("status", current)
	default:
		return apperr.Wrap(apperr.Internal, "transition verification", err)
	}
}

// Advance moves a verification to target from whatever status it holds now,
// provided the move is in the table.
func (m *Machine) Advance(ctx context.Context, id string, target models.Status) error {
	v, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.Transition(ctx, id, v.Status, target)
}

// ForceError moves a verification to error from any status but completed.
// It is idempotent for verifications already in error. It does not write an
// audit entry: callers record the failure before calling it.
func (m *Machine) ForceError(ctx context.Context, id string, cause error) error {
	err := m.store.UpdateStatusUnless(ctx, id, models.StatusError, models.StatusCompleted)
	switch {
	case err == nil:
		m.logger.Warn("verification forced to error", "verification_id", id, "error", cause)
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.Newf(apperr.NotFound, "verification %s not found", id)
	case errors.Is(err, store.ErrConflict):
		return apperr.Newf(apperr.InvalidTransition, "verification %s is completed", id).
			WithDetail("status", string(models.StatusCompleted))
	default:
		return apperr.Wrap(apperr.Internal, "force error", err)
	}
}

// EnsureShareToken returns the verification's public share token, creating
// one the first time it is requested.
func (m *Machine) EnsureShareToken(ctx context.Context, id string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		v, err := m.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if v.ShareToken != nil {
			return *v.ShareToken, nil
		}

		token, err := newShareToken()
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, "generate share token", err)
		}
		err = m.store.SetShareToken(ctx, id, token)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return "", apperr.Wrap(apperr.Internal, "set share token", err)
		}
		// Either another request set a token first or this one collided.
	}
	return "", apperr.Newf(apperr.Internal, "could not assign share token to %s", id)
}

// GetShared returns the verification published under token.
func (m *Machine) GetShared(ctx context.Context, token string) (*models.Verification, error) {
	v, err := m.store.GetVerificationByShareToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "shared verification not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load shared verification", err)
	}
	return v, nil
}

func newShareToken() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
