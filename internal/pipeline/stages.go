package pipeline

import (
	"context"

	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/artifacts"
	"github.com/kilupskalvis/factflow/internal/jobapi"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/orchestrator"
)

// prepared is the audit payload of a stage's prepare step.
type prepared struct {
	Questions int `json:"questions,omitempty"`
	Sources   int `json:"sources,omitempty"`
}

func (p *Pipeline) questionsStage(ctx context.Context, vid string) {
	var req *jobapi.QuestionsRequest
	_, err := orchestrator.Run(ctx, p.orch, vid, phase(StageQuestions.step(), "prepare"), func(ctx context.Context) (prepared, error) {
		v, err := p.machine.Get(ctx, vid)
		if err != nil {
			return prepared{}, err
		}
		req = &jobapi.QuestionsRequest{Claim: v.Text}
		return prepared{}, nil
	})
	if err != nil {
		p.abort(ctx, vid, StageQuestions, err)
		return
	}
	jobID, ok := p.submit(ctx, vid, StageQuestions, req)
	if !ok {
		return
	}
	p.finishQuestions(ctx, vid, jobID)
}

func (p *Pipeline) finishQuestions(ctx context.Context, vid, jobID string) {
	step := StageQuestions.step()
	res, err := orchestrator.AwaitResult[models.QuestionsResult](ctx, p.orch, vid, phase(step, "poll"), jobID)
	if err != nil {
		p.abort(ctx, vid, StageQuestions, err)
		return
	}

	_, err = orchestrator.Run(ctx, p.orch, vid, phase(step, "save"), func(ctx context.Context) (*artifacts.BatchResult, error) {
		return p.artifacts.SaveBatch(ctx, vid, res.Candidates())
	})
	if err != nil {
		p.abort(ctx, vid, StageQuestions, err)
		return
	}
	p.clearCheckpoint(ctx, vid, StageQuestions)
}

func (p *Pipeline) sourcesStage(ctx context.Context, vid string) {
	var req *jobapi.SourcesRequest
	_, err := orchestrator.Run(ctx, p.orch, vid, phase(StageSources.step(), "prepare"), func(ctx context.Context) (prepared, error) {
		v, err := p.machine.Get(ctx, vid)
		if err != nil {
			return prepared{}, err
		}
		qs, err := p.artifacts.List(ctx, vid)
		if err != nil {
			return prepared{}, err
		}
		req = &jobapi.SourcesRequest{Claim: v.Text, Questions: questionTexts(qs)}
		return prepared{Questions: len(qs)}, nil
	})
	if err != nil {
		p.abort(ctx, vid, StageSources, err)
		return
	}
	jobID, ok := p.submit(ctx, vid, StageSources, req)
	if !ok {
		return
	}
	p.finishSources(ctx, vid, jobID)
}

func (p *Pipeline) finishSources(ctx context.Context, vid, jobID string) {
	step := StageSources.step()
	res, err := orchestrator.AwaitResult[models.SourcesResult](ctx, p.orch, vid, phase(step, "poll"), jobID)
	if err != nil {
		p.abort(ctx, vid, StageSources, err)
		return
	}

	_, err = orchestrator.Run(ctx, p.orch, vid, phase(step, "save"), func(ctx context.Context) (*artifacts.BatchResult, error) {
		r, err := p.artifacts.SaveSources(ctx, vid, res.Sources)
		if err != nil {
			return nil, err
		}
		if r.Persisted == 0 && !r.AlreadyApplied {
			return nil, apperr.New(apperr.EmptyResult, "no usable sources in result")
		}
		return r, p.machine.Transition(ctx, vid, models.StatusProcessingQuestions, models.StatusSourcesReady)
	})
	if err != nil {
		p.abort(ctx, vid, StageSources, err)
		return
	}
	p.clearCheckpoint(ctx, vid, StageSources)
}

func (p *Pipeline) analysisStage(ctx context.Context, vid string) {
	var req *jobapi.AnalysisRequest
	_, err := orchestrator.Run(ctx, p.orch, vid, phase(StageAnalysis.step(), "prepare"), func(ctx context.Context) (prepared, error) {
		v, err := p.machine.Get(ctx, vid)
		if err != nil {
			return prepared{}, err
		}
		qs, err := p.artifacts.List(ctx, vid)
		if err != nil {
			return prepared{}, err
		}
		srcs, err := p.artifacts.SelectedSources(ctx, vid)
		if err != nil {
			return prepared{}, err
		}
		req = &jobapi.AnalysisRequest{Claim: v.Text, Questions: questionTexts(qs)}
		for _, s := range srcs {
			req.Sources = append(req.Sources, jobapi.AnalysisInput{URL: s.URL, Title: s.Title, Snippet: s.Snippet})
		}
		return prepared{Questions: len(qs), Sources: len(srcs)}, nil
	})
	if err != nil {
		p.abort(ctx, vid, StageAnalysis, err)
		return
	}
	jobID, ok := p.submit(ctx, vid, StageAnalysis, req)
	if !ok {
		return
	}
	p.finishAnalysis(ctx, vid, jobID)
}

func (p *Pipeline) finishAnalysis(ctx context.Context, vid, jobID string) {
	step := StageAnalysis.step()
	res, err := orchestrator.AwaitResult[models.AnalysisResult](ctx, p.orch, vid, phase(step, "poll"), jobID)
	if err != nil {
		p.abort(ctx, vid, StageAnalysis, err)
		return
	}

	_, err = orchestrator.Run(ctx, p.orch, vid, phase(step, "save"), func(ctx context.Context) (bool, error) {
		inserted, err := p.artifacts.SaveFinalResult(ctx, vid, res)
		if err != nil {
			return false, err
		}
		return inserted, p.machine.Transition(ctx, vid, models.StatusGeneratingSummary, models.StatusCompleted)
	})
	if err != nil {
		p.abort(ctx, vid, StageAnalysis, err)
		return
	}
	p.clearCheckpoint(ctx, vid, StageAnalysis)
	p.notify(ctx, vid)
}

func questionTexts(qs []*models.Question) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Text
	}
	return out
}
