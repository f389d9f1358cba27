package artifacts

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/store"
)

// SaveSources persists discovered sources once per verification. Entries
// without a URL and repeated URLs are skipped.
func (a *Artifacts) SaveSources(ctx context.Context, verificationID string, found []models.DiscoveredSource) (*BatchResult, error) {
	seen := make(map[string]bool, len(found))
	var (
		rows    []*models.Source
		skipped int
	)
	for i, f := range found {
		url := strings.TrimSpace(f.URL)
		if url == "" || seen[url] {
			skipped++
			a.logger.Warn("skipping source", "verification_id", verificationID, "position", i, "url", url)
			continue
		}
		seen[url] = true
		rows = append(rows, &models.Source{
			ID:         uuid.NewString(),
			URL:        url,
			Title:      strings.TrimSpace(f.Title),
			Snippet:    strings.TrimSpace(f.Snippet),
			OrderIndex: len(rows),
		})
	}
	if len(rows) == 0 {
		return &BatchResult{Skipped: skipped}, nil
	}

	inserted, existing, err := a.store.InsertSourcesIfNone(ctx, verificationID, rows)
	if errors.Is(err, store.ErrConflict) {
		existing, err = a.countSources(ctx, verificationID)
		if err == nil && existing > 0 {
			return &BatchResult{AlreadyApplied: true, Existing: existing, Skipped: skipped}, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "insert sources", store.ErrConflict)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "insert sources", err)
	}
	if !inserted {
		return &BatchResult{AlreadyApplied: true, Existing: existing, Skipped: skipped}, nil
	}

	a.logger.Info("sources saved", "verification_id", verificationID, "persisted", len(rows), "skipped", skipped)
	return &BatchResult{Persisted: len(rows), Skipped: skipped}, nil
}

func (a *Artifacts) countSources(ctx context.Context, verificationID string) (int, error) {
	srcs, err := a.store.ListSources(ctx, verificationID)
	return len(srcs), err
}

// Sources returns a verification's sources in order.
func (a *Artifacts) Sources(ctx context.Context, verificationID string) ([]*models.Source, error) {
	srcs, err := a.store.ListSources(ctx, verificationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list sources", err)
	}
	return srcs, nil
}

// SelectedSources returns only the sources chosen for analysis.
func (a *Artifacts) SelectedSources(ctx context.Context, verificationID string) ([]*models.Source, error) {
	srcs, err := a.Sources(ctx, verificationID)
	if err != nil {
		return nil, err
	}
	out := srcs[:0]
	for _, s := range srcs {
		if s.Selected {
			out = append(out, s)
		}
	}
	return out, nil
}

// SelectSources marks ids as the sources to analyze. At least one is
// required and every id must belong to the verification.
func (a *Artifacts) SelectSources(ctx context.Context, verificationID string, ids []string) error {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		return apperr.New(apperr.ValidationError, "at least one source must be selected")
	}

	srcs, err := a.store.ListSources(ctx, verificationID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "list sources", err)
	}
	owned := make(map[string]bool, len(srcs))
	for _, s := range srcs {
		owned[s.ID] = true
	}
	for _, id := range unique {
		if !owned[id] {
			return apperr.Newf(apperr.OwnershipViolation, "source %s does not belong to this verification", id)
		}
	}

	if err := a.store.SetSelectedSources(ctx, verificationID, unique); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return apperr.New(apperr.OwnershipViolation, "selected sources changed concurrently")
		}
		return apperr.Wrap(apperr.Internal, "select sources", err)
	}
	return nil
}

// SaveFinalResult stores the analysis result once. It reports whether this
// call wrote it.
func (a *Artifacts) SaveFinalResult(ctx context.Context, verificationID string, r models.AnalysisResult) (bool, error) {
	doc, err := models.NewJSON(r)
	if err != nil {
		return false, apperr.Wrap(apperr.ValidationError, "encode analysis result", err)
	}
	inserted, err := a.store.InsertFinalResult(ctx, &models.FinalResult{
		VerificationID: verificationID,
		Verdict:        strings.TrimSpace(r.Verdict),
		Label:          strings.TrimSpace(r.Label),
		Summary:        strings.TrimSpace(r.Summary),
		Payload:        doc,
	})
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "save final result", err)
	}
	if !inserted {
		a.logger.Info("final result already saved", "verification_id", verificationID)
	}
	return inserted, nil
}

// FinalResult returns the stored result of a verification.
func (a *Artifacts) FinalResult(ctx context.Context, verificationID string) (*models.FinalResult, error) {
	r, err := a.store.GetFinalResult(ctx, verificationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "no final result yet")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load final result", err)
	}
	return r, nil
}
