package pipeline

import (
	"context"

	"github.com/kilupskalvis/factflow/internal/access"
	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/models"
)

// Create stores a new draft verification owned by userID.
func (p *Pipeline) Create(ctx context.Context, userID, text string) (*models.Verification, error) {
	return p.machine.Create(ctx, userID, text)
}

// List returns the verifications owned by userID.
func (p *Pipeline) List(ctx context.Context, userID string) ([]*models.Verification, error) {
	return p.machine.List(ctx, userID)
}

// Get returns a verification owned by userID.
func (p *Pipeline) Get(ctx context.Context, vid, userID string) (*models.Verification, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, false); err != nil {
		return nil, err
	}
	return p.machine.Get(ctx, vid)
}

// Permissions reports what userID may do with the verification. It does not
// fail for missing verifications or other owners.
func (p *Pipeline) Permissions(ctx context.Context, vid, userID string) (*access.Access, error) {
	return p.gate.Check(ctx, vid, userID)
}

// Questions lists a verification's questions in order.
func (p *Pipeline) Questions(ctx context.Context, vid, userID string) ([]*models.Question, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, false); err != nil {
		return nil, err
	}
	return p.artifacts.List(ctx, vid)
}

// AddQuestion appends a manual question while questions are editable.
func (p *Pipeline) AddQuestion(ctx context.Context, vid, userID, text string) (*models.Question, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, true); err != nil {
		return nil, err
	}
	return p.artifacts.Add(ctx, vid, text)
}

// UpdateQuestion edits a question's text while questions are editable.
func (p *Pipeline) UpdateQuestion(ctx context.Context, vid, qid, userID, text string) (*models.Question, error) {
	if err := p.authorizeQuestion(ctx, vid, qid, userID); err != nil {
		return nil, err
	}
	return p.artifacts.Update(ctx, qid, text)
}

// DeleteQuestion removes a question while questions are editable.
func (p *Pipeline) DeleteQuestion(ctx context.Context, vid, qid, userID string) error {
	if err := p.authorizeQuestion(ctx, vid, qid, userID); err != nil {
		return err
	}
	return p.artifacts.Delete(ctx, qid)
}

// ReorderQuestions applies moves while questions are editable.
func (p *Pipeline) ReorderQuestions(ctx context.Context, vid, userID string, moves []models.QuestionMove) ([]*models.Question, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, true); err != nil {
		return nil, err
	}
	return p.artifacts.Reorder(ctx, vid, moves)
}

func (p *Pipeline) authorizeQuestion(ctx context.Context, vid, qid, userID string) error {
	if _, err := p.gate.Authorize(ctx, vid, userID, true); err != nil {
		return err
	}
	q, err := p.artifacts.Get(ctx, qid)
	if err != nil {
		return err
	}
	if q.VerificationID != vid {
		return apperr.Newf(apperr.NotFound, "question %s not found", qid)
	}
	return nil
}

// Sources lists a verification's discovered sources.
func (p *Pipeline) Sources(ctx context.Context, vid, userID string) ([]*models.Source, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, false); err != nil {
		return nil, err
	}
	return p.artifacts.Sources(ctx, vid)
}

// Log returns the verification's process log, newest first. errorsOnly
// restricts it to error entries.
func (p *Pipeline) Log(ctx context.Context, vid, userID string, errorsOnly bool) ([]*models.ProcessLogEntry, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, false); err != nil {
		return nil, err
	}
	var (
		entries []*models.ProcessLogEntry
		err     error
	)
	if errorsOnly {
		entries, err = p.audit.Errors(ctx, vid)
	} else {
		entries, err = p.audit.List(ctx, vid)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load process log", err)
	}
	return entries, nil
}

// Result returns the final result of a verification.
func (p *Pipeline) Result(ctx context.Context, vid, userID string) (*models.FinalResult, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, false); err != nil {
		return nil, err
	}
	return p.artifacts.FinalResult(ctx, vid)
}

// Share returns the verification's public token, creating it on first use.
func (p *Pipeline) Share(ctx context.Context, vid, userID string) (string, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, false); err != nil {
		return "", err
	}
	return p.machine.EnsureShareToken(ctx, vid)
}

// SharedView is the read-only public view of a verification.
type SharedView struct {
	Verification *models.Verification `json:"verification"`
	Questions    []*models.Question   `json:"questions"`
	Result       *models.FinalResult  `json:"result,omitempty"`
}

// Shared loads the public view published under token.
func (p *Pipeline) Shared(ctx context.Context, token string) (*SharedView, error) {
	v, err := p.machine.GetShared(ctx, token)
	if err != nil {
		return nil, err
	}
	qs, err := p.artifacts.List(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	view := &SharedView{Verification: v, Questions: qs}
	if r, err := p.artifacts.FinalResult(ctx, v.ID); err == nil {
		view.Result = r
	} else if !apperr.Is(err, apperr.NotFound) {
		return nil, err
	}
	return view, nil
}
