// Package artifacts persists the child records a verification produces:
// questions, sources and the final result. Batch writes are idempotent per
// verification.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/store"
)

// Store is the persistence artifacts need.
type Store interface {
	CountQuestions(ctx context.Context, verificationID string) (int, error)
	InsertQuestionsIfNone(ctx context.Context, verificationID string, qs []*models.Question) (bool, int, error)
	AppendQuestion(ctx context.Context, q *models.Question) error
	ListQuestions(ctx context.Context, verificationID string) ([]*models.Question, error)
	GetQuestion(ctx context.Context, id string) (*models.Question, error)
	UpdateQuestionText(ctx context.Context, id, text string) error
	DeleteQuestion(ctx context.Context, id string) error
	RenumberQuestions(ctx context.Context, verificationID string, plan func([]*models.Question) ([]string, error)) error

	InsertSourcesIfNone(ctx context.Context, verificationID string, srcs []*models.Source) (bool, int, error)
	ListSources(ctx context.Context, verificationID string) ([]*models.Source, error)
	SetSelectedSources(ctx context.Context, verificationID string, ids []string) error

	InsertFinalResult(ctx context.Context, r *models.FinalResult) (bool, error)
	GetFinalResult(ctx context.Context, verificationID string) (*models.FinalResult, error)
}

// BatchResult reports the outcome of a batch save.
type BatchResult struct {
	Persisted      int  `json:"persisted"`
	Skipped        int  `json:"skipped"`
	AlreadyApplied bool `json:"already_applied"`
	Existing       int  `json:"existing"`
}

// Artifacts reads and writes verification child records.
type Artifacts struct {
	store  Store
	logger *slog.Logger
}

// New creates an artifact store backed by st.
func New(st Store, logger *slog.Logger) *Artifacts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Artifacts{store: st, logger: logger}
}

// ValidateQuestionText trims text and checks the length bounds.
func ValidateQuestionText(text string) (string, error) {
	text, n := models.NormalizeText(text)
	if n < models.MinQuestionLength || n > models.MaxQuestionLength {
		return "", apperr.Newf(apperr.ValidationError,
			"question text must be %d-%d characters, got %d", models.MinQuestionLength, models.MaxQuestionLength, n)
	}
	return text, nil
}

// SaveBatch persists questions for a verification exactly once. If any
// question already exists the batch is treated as applied and nothing is
// written. Invalid candidates are skipped and logged. Valid candidates are
// ordered by their supplied index, or their position when none is given,
// and stored with dense indices starting at 0.
func (a *Artifacts) SaveBatch(ctx context.Context, verificationID string, candidates []models.QuestionCandidate) (*BatchResult, error) {
	existing, err := a.store.CountQuestions(ctx, verificationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "count questions", err)
	}
	if existing > 0 {
		a.logger.Info("question batch already applied", "verification_id", verificationID, "existing", existing)
		return &BatchResult{AlreadyApplied: true, Existing: existing}, nil
	}

	type ranked struct {
		text string
		rank int
	}
	var (
		valid   []ranked
		skipped int
	)
	for i, c := range candidates {
		text, err := ValidateQuestionText(c.Text)
		if err != nil {
			skipped++
			a.logger.Warn("skipping invalid question",
				"verification_id", verificationID, "position", i, "reason", apperr.Message(err))
			continue
		}
		rank := i
		if c.OrderIndex != nil {
			rank = *c.OrderIndex
		}
		valid = append(valid, ranked{text: text, rank: rank})
	}
	if len(valid) == 0 {
		return &BatchResult{Skipped: skipped}, nil
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].rank < valid[j].rank })
	rows := make([]*models.Question, len(valid))
	for i, v := range valid {
		rows[i] = &models.Question{
			ID:           uuid.NewString(),
			Text:         v.text,
			OriginalText: v.text,
			OrderIndex:   i,
		}
	}

	inserted, existing, err := a.store.InsertQuestionsIfNone(ctx, verificationID, rows)
	if errors.Is(err, store.ErrConflict) {
		// A concurrent writer won the race; its batch stands.
		existing, err = a.store.CountQuestions(ctx, verificationID)
		if err == nil && existing > 0 {
			return &BatchResult{AlreadyApplied: true, Existing: existing, Skipped: skipped}, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "insert questions", store.ErrConflict)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "insert questions", err)
	}
	if !inserted {
		return &BatchResult{AlreadyApplied: true, Existing: existing, Skipped: skipped}, nil
	}

	a.logger.Info("questions saved", "verification_id", verificationID, "persisted", len(rows), "skipped", skipped)
	return &BatchResult{Persisted: len(rows), Skipped: skipped}, nil
}

// List returns a verification's questions in order.
func (a *Artifacts) List(ctx context.Context, verificationID string) ([]*models.Question, error) {
	qs, err := a.store.ListQuestions(ctx, verificationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list questions", err)
	}
	return qs, nil
}

// Count returns how many questions a verification has.
func (a *Artifacts) Count(ctx context.Context, verificationID string) (int, error) {
	n, err := a.store.CountQuestions(ctx, verificationID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "count questions", err)
	}
	return n, nil
}

// Get returns one question.
func (a *Artifacts) Get(ctx context.Context, questionID string) (*models.Question, error) {
	q, err := a.store.GetQuestion(ctx, questionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "question %s not found", questionID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load question", err)
	}
	return q, nil
}

// Add appends a manually written question.
func (a *Artifacts) Add(ctx context.Context, verificationID, text string) (*models.Question, error) {
	text, err := ValidateQuestionText(text)
	if err != nil {
		return nil, err
	}
	q := &models.Question{
		ID:             uuid.NewString(),
		VerificationID: verificationID,
		Text:           text,
		OriginalText:   text,
	}
	if err := a.store.AppendQuestion(ctx, q); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "add question", err)
	}
	return q, nil
}

// Update replaces a question's text and marks it edited.
func (a *Artifacts) Update(ctx context.Context, questionID, text string) (*models.Question, error) {
	text, err := ValidateQuestionText(text)
	if err != nil {
		return nil, err
	}
	err = a.store.UpdateQuestionText(ctx, questionID, text)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "question %s not found", questionID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "update question", err)
	}
	return a.Get(ctx, questionID)
}

// Delete removes a question. Remaining questions keep dense indices.
func (a *Artifacts) Delete(ctx context.Context, questionID string) error {
	err := a.store.DeleteQuestion(ctx, questionID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.NotFound, "question %s not found", questionID)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, fmt.Sprintf("delete question %s", questionID), err)
	}
	return nil
}
