// Package pipeline drives a verification through its stages: question
// generation, source discovery and analysis. Each stage runs as a
// background task that submits an external job, polls it and stores the
// result.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kilupskalvis/factflow/internal/access"
	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/artifacts"
	"github.com/kilupskalvis/factflow/internal/audit"
	"github.com/kilupskalvis/factflow/internal/checkpoint"
	"github.com/kilupskalvis/factflow/internal/jobapi"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/orchestrator"
	"github.com/kilupskalvis/factflow/internal/workflow"
	"github.com/kilupskalvis/factflow/internal/worker"
)

// Stage names a background stage. Checkpoints are keyed by it.
type Stage string

const (
	StageQuestions Stage = "questions"
	StageSources   Stage = "sources"
	StageAnalysis  Stage = "analysis"
)

// step returns the external job step a stage runs.
func (s Stage) step() string {
	switch s {
	case StageQuestions:
		return models.StepGenerateQuestions
	case StageSources:
		return models.StepDiscoverSources
	case StageAnalysis:
		return models.StepAnalyzeSources
	}
	return string(s)
}

// awaitingStatus is the status a verification holds while the stage runs.
func (s Stage) awaitingStatus() models.Status {
	switch s {
	case StageAnalysis:
		return models.StatusGeneratingSummary
	default:
		return models.StatusProcessingQuestions
	}
}

func phase(step, name string) string {
	return step + "." + name
}

// Checkpoints persists in-flight jobs.
type Checkpoints interface {
	Put(ctx context.Context, r *checkpoint.Record) error
	Get(ctx context.Context, verificationID, stage string) (*checkpoint.Record, error)
	Delete(ctx context.Context, verificationID, stage string) error
	List(ctx context.Context) ([]*checkpoint.Record, error)
}

// Notifier is told when a verification reaches completed or error.
type Notifier interface {
	NotifyVerification(ctx context.Context, v *models.Verification)
}

type nopNotifier struct{}

func (nopNotifier) NotifyVerification(context.Context, *models.Verification) {}

// Deps wires a Pipeline.
type Deps struct {
	Machine      *workflow.Machine
	Gate         *access.Gate
	Artifacts    *artifacts.Artifacts
	Audit        *audit.Log
	Orchestrator *orchestrator.Orchestrator
	Jobs         jobapi.Client
	Checkpoints  Checkpoints
	Runner       worker.Runner
	Notifier     Notifier
	Logger       *slog.Logger
}

// Pipeline coordinates the state machine, the orchestrator and the
// artifact store.
type Pipeline struct {
	machine     *workflow.Machine
	gate        *access.Gate
	artifacts   *artifacts.Artifacts
	audit       *audit.Log
	orch        *orchestrator.Orchestrator
	jobs        jobapi.Client
	checkpoints Checkpoints
	runner      worker.Runner
	notifier    Notifier
	logger      *slog.Logger
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	return &Pipeline{
		machine:     d.Machine,
		gate:        d.Gate,
		artifacts:   d.Artifacts,
		audit:       d.Audit,
		orch:        d.Orchestrator,
		jobs:        d.Jobs,
		checkpoints: d.Checkpoints,
		runner:      d.Runner,
		notifier:    d.Notifier,
		logger:      d.Logger,
	}
}

// Start moves a draft verification into question generation and schedules
// the questions stage. Only one of several concurrent calls succeeds; the
// rest get InvalidTransition.
func (p *Pipeline) Start(ctx context.Context, vid, userID string) (*models.Verification, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, false); err != nil {
		return nil, err
	}
	if err := p.machine.Transition(ctx, vid, models.StatusDraft, models.StatusProcessingQuestions); err != nil {
		return nil, err
	}
	if err := p.schedule(ctx, vid, StageQuestions, p.questionsStage); err != nil {
		return nil, err
	}
	return p.machine.Get(ctx, vid)
}

// Confirm accepts the edited questions and schedules source discovery. The
// verification moves to sources_ready once sources are stored.
func (p *Pipeline) Confirm(ctx context.Context, vid, userID string) (*models.Verification, error) {
	if _, err := p.gate.Authorize(ctx, vid, userID, true); err != nil {
		return nil, err
	}
	n, err := p.artifacts.Count(ctx, vid)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.New(apperr.InvalidState, "at least one question is required before sources can be discovered")
	}
	if err := p.ensureIdle(ctx, vid, StageQuestions, StageSources); err != nil {
		return nil, err
	}
	if err := p.schedule(ctx, vid, StageSources, p.sourcesStage); err != nil {
		return nil, err
	}
	return p.machine.Get(ctx, vid)
}

// Analyze selects the sources to analyze, moves the verification to
// generating_summary and schedules the analysis stage.
func (p *Pipeline) Analyze(ctx context.Context, vid, userID string, sourceIDs []string) (*models.Verification, error) {
	if _, err := p.gate.RequireStatus(ctx, vid, userID, models.StatusSourcesReady); err != nil {
		return nil, err
	}
	if err := p.artifacts.SelectSources(ctx, vid, sourceIDs); err != nil {
		return nil, err
	}
	if err := p.machine.Transition(ctx, vid, models.StatusSourcesReady, models.StatusGeneratingSummary); err != nil {
		return nil, err
	}
	if err := p.schedule(ctx, vid, StageAnalysis, p.analysisStage); err != nil {
		return nil, err
	}
	return p.machine.Get(ctx, vid)
}

// Advance runs whichever step the verification's current status allows.
// sourceIDs is only used from sources_ready.
func (p *Pipeline) Advance(ctx context.Context, vid, userID string, sourceIDs []string) (*models.Verification, error) {
	a, err := p.gate.Authorize(ctx, vid, userID, false)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.StatusDraft:
		return p.Start(ctx, vid, userID)
	case models.StatusProcessingQuestions:
		return p.Confirm(ctx, vid, userID)
	case models.StatusSourcesReady:
		return p.Analyze(ctx, vid, userID, sourceIDs)
	default:
		return nil, apperr.Newf(apperr.InvalidState, "nothing to advance while verification is %s", a.Status).
			WithDetail("status", string(a.Status))
	}
}

// Resume schedules polling for every checkpointed job. Checkpoints whose
// verification has moved on are discarded. It returns how many stages
// were resumed.
//
// TODO: reschedule verifications left in a working status whose task was
// dropped from the worker queue before it submitted a job.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	records, err := p.checkpoints.List(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "list checkpoints", err)
	}

	resumed := 0
	for _, r := range records {
		stage := Stage(r.Stage)
		v, err := p.machine.Get(ctx, r.VerificationID)
		if err != nil || v.Status != stage.awaitingStatus() {
			p.logger.Info("discarding stale checkpoint", "verification_id", r.VerificationID, "stage", r.Stage, "job_id", r.JobID)
			p.clearCheckpoint(ctx, r.VerificationID, stage)
			continue
		}

		jobID := r.JobID
		var finish func(ctx context.Context, vid, jobID string)
		switch stage {
		case StageQuestions:
			finish = p.finishQuestions
		case StageSources:
			finish = p.finishSources
		case StageAnalysis:
			finish = p.finishAnalysis
		default:
			p.logger.Warn("unknown checkpoint stage", "verification_id", r.VerificationID, "stage", r.Stage)
			continue
		}
		ok := p.runner.Submit(r.VerificationID, func(ctx context.Context) {
			finish(ctx, v.ID, jobID)
		})
		if !ok {
			p.logger.Warn("stage already running", "verification_id", r.VerificationID, "stage", r.Stage)
			continue
		}
		p.logger.Info("stage resumed", "verification_id", r.VerificationID, "stage", r.Stage, "job_id", jobID)
		resumed++
	}
	return resumed, nil
}

// ensureIdle rejects a request while any of stages has an outstanding job.
func (p *Pipeline) ensureIdle(ctx context.Context, vid string, stages ...Stage) error {
	for _, s := range stages {
		_, err := p.checkpoints.Get(ctx, vid, string(s))
		if err == nil {
			return apperr.Newf(apperr.InvalidState, "%s stage is still running", s)
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			return apperr.Wrap(apperr.Internal, "load checkpoint", err)
		}
	}
	return nil
}

// schedule hands a stage to the runner. A rejected submission for a stage
// whose transition already happened forces the verification to error so it
// is not left waiting forever.
func (p *Pipeline) schedule(ctx context.Context, vid string, stage Stage, run func(ctx context.Context, vid string)) error {
	ok := p.runner.Submit(vid, func(ctx context.Context) {
		run(ctx, vid)
	})
	if ok {
		p.logger.Info("stage scheduled", "verification_id", vid, "stage", stage)
		return nil
	}
	if stage == StageSources {
		return apperr.New(apperr.InvalidState, "another stage is running for this verification")
	}

	cause := apperr.Newf(apperr.Internal, "could not schedule %s stage", stage)
	step := phase(stage.step(), "schedule")
	if err := p.audit.Started(ctx, vid, step); err == nil {
		p.audit.Failed(ctx, vid, step, cause.Error())
	}
	p.machine.ForceError(ctx, vid, cause)
	return cause
}

// submit runs the audited submission of a stage's job and checkpoints it.
func (p *Pipeline) submit(ctx context.Context, vid string, stage Stage, payload any) (string, bool) {
	step := stage.step()
	jobID, err := orchestrator.RunWithRetry(ctx, p.orch, vid, phase(step, "submit"), func(ctx context.Context) (string, error) {
		return p.jobs.Submit(ctx, step, payload)
	})
	if err != nil {
		p.abort(ctx, vid, stage, err)
		return "", false
	}
	if err := p.checkpoints.Put(ctx, &checkpoint.Record{
		VerificationID: vid,
		Stage:          string(stage),
		Step:           step,
		JobID:          jobID,
		SubmittedAt:    time.Now().UTC(),
	}); err != nil {
		p.logger.Warn("write checkpoint", "verification_id", vid, "stage", stage, "job_id", jobID, "error", err)
	}
	return jobID, true
}

// abort handles a failed stage. Cancellation leaves the status and the
// checkpoint alone so the stage can resume; anything else forces error.
func (p *Pipeline) abort(ctx context.Context, vid string, stage Stage, err error) {
	if apperr.Is(err, apperr.Cancelled) {
		p.logger.Info("stage interrupted", "verification_id", vid, "stage", stage)
		return
	}
	ctx = context.WithoutCancel(ctx)
	if ferr := p.machine.ForceError(ctx, vid, err); ferr != nil {
		p.logger.Warn("force error", "verification_id", vid, "stage", stage, "error", ferr)
	}
	p.clearCheckpoint(ctx, vid, stage)
	p.notify(ctx, vid)
}

func (p *Pipeline) clearCheckpoint(ctx context.Context, vid string, stage Stage) {
	if err := p.checkpoints.Delete(context.WithoutCancel(ctx), vid, string(stage)); err != nil {
		p.logger.Warn("delete checkpoint", "verification_id", vid, "stage", stage, "error", err)
	}
}

func (p *Pipeline) notify(ctx context.Context, vid string) {
	v, err := p.machine.Get(ctx, vid)
	if err != nil {
		p.logger.Warn("load verification for notification", "verification_id", vid, "error", err)
		return
	}
	if v.Status == models.StatusCompleted || v.Status == models.StatusError {
		p.notifier.NotifyVerification(ctx, v)
	}
}
