package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/audit"
	"github.com/kilupskalvis/factflow/internal/jobapi"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	o      *Orchestrator
	log    *audit.Log
	jobs   *jobapi.Fake
	vid    string
	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v := &models.Verification{ID: uuid.NewString(), OwnerID: "u1", Text: "The Great Wall is visible from space.", Status: models.StatusProcessingQuestions}
	require.NoError(t, st.InsertVerification(ctx, v))

	h := &harness{log: audit.New(st, nil), jobs: jobapi.NewFake(), vid: v.ID}
	h.o = New(h.log, h.jobs, cfg, nil)
	h.o.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) entries(t *testing.T, step string) (started, completed, failed []*models.ProcessLogEntry) {
	t.Helper()
	all, err := h.log.List(context.Background(), h.vid)
	require.NoError(t, err)
	for _, e := range all {
		if e.Step != step {
			continue
		}
		switch e.Status {
		case models.LogStarted:
			started = append(started, e)
		case models.LogCompleted:
			completed = append(completed, e)
		case models.LogError:
			failed = append(failed, e)
		}
	}
	return
}

func TestDelay(t *testing.T) {
	assert.Equal(t, 1000*time.Millisecond, Delay(time.Second, 1))
	assert.Equal(t, 2000*time.Millisecond, Delay(time.Second, 2))
	assert.Equal(t, 4000*time.Millisecond, Delay(time.Second, 3))
	assert.Equal(t, time.Second, Delay(time.Second, 0))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 4*time.Second, cfg.PollInterval)
	assert.Equal(t, 50, cfg.MaxPollAttempts)
	assert.Equal(t, 60*time.Second, cfg.SubmitTimeout)
}

func TestRunWithRetry_ExhaustsAttempts(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	calls := 0
	_, err := RunWithRetry(context.Background(), h.o, h.vid, "generate_questions.submit", func(ctx context.Context) (string, error) {
		calls++
		return "", &jobapi.APIError{Status: 503, Message: "busy " + string(rune('0'+calls))}
	})

	require.Error(t, err)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)

	started, completed, failed := h.entries(t, "generate_questions.submit")
	assert.Len(t, started, 1)
	assert.Empty(t, completed)
	require.Len(t, failed, 1)
	assert.Contains(t, *failed[0].ErrorMessage, "busy 3")
}

func TestRunWithRetry_SucceedsAfterFailures(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	calls := 0
	id, err := RunWithRetry(context.Background(), h.o, h.vid, "discover_sources.submit", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "job-42", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "job-42", id)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)

	started, completed, failed := h.entries(t, "discover_sources.submit")
	assert.Len(t, started, 1)
	require.Len(t, completed, 1)
	assert.Empty(t, failed)
	assert.JSONEq(t, `"job-42"`, string(completed[0].Payload))
}

func TestRunWithRetry_NonRetryableStopsEarly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	calls := 0
	_, err := RunWithRetry(context.Background(), h.o, h.vid, "analyze_sources.submit", func(ctx context.Context) (string, error) {
		calls++
		return "", &jobapi.APIError{Status: 400, Code: "bad_payload", Message: "claim missing"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.sleeps)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))

	started, _, failed := h.entries(t, "analyze_sources.submit")
	assert.Len(t, started, 1)
	require.Len(t, failed, 1)
	assert.Contains(t, *failed[0].ErrorMessage, "claim missing")
}

func TestRunWithRetry_KeepsTypedKind(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	calls := 0
	_, err := RunWithRetry(context.Background(), h.o, h.vid, "x.submit", func(ctx context.Context) (int, error) {
		calls++
		return 0, apperr.New(apperr.ValidationError, "payload rejected")
	})
	assert.Equal(t, apperr.ValidationError, apperr.KindOf(err))
	assert.Equal(t, "x.submit: validation_error: payload rejected", err.Error())
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.sleeps)

	started, completed, failed := h.entries(t, "x.submit")
	assert.Len(t, started, 1)
	assert.Empty(t, completed)
	require.Len(t, failed, 1)
	assert.Equal(t, "validation_error: payload rejected", *failed[0].ErrorMessage)
}

func TestRunWithRetry_TransientKindIsRetried(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	calls := 0
	_, err := RunWithRetry(context.Background(), h.o, h.vid, "x.submit", func(ctx context.Context) (int, error) {
		calls++
		return 0, apperr.New(apperr.Transient, "upstream busy")
	})
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
	assert.Equal(t, 3, calls)
}

func TestRunWithRetry_AttemptTimeoutIsRetried(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubmitTimeout = 10 * time.Millisecond
	h := newHarness(t, cfg)

	calls := 0
	_, err := RunWithRetry(context.Background(), h.o, h.vid, "slow.submit", func(ctx context.Context) (string, error) {
		calls++
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
}

func TestRunWithRetry_Cancelled(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := RunWithRetry(ctx, h.o, h.vid, "generate_questions.submit", func(ctx context.Context) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Cancelled, apperr.KindOf(err))

	started, _, failed := h.entries(t, "generate_questions.submit")
	assert.Len(t, started, 1)
	require.Len(t, failed, 1)
	assert.Contains(t, *failed[0].ErrorMessage, "cancelled")
}

func TestRun_SingleAttempt(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	calls := 0
	_, err := Run(context.Background(), h.o, h.vid, "generate_questions.save", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("disk full")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))

	started, _, failed := h.entries(t, "generate_questions.save")
	assert.Len(t, started, 1)
	require.Len(t, failed, 1)
	assert.Contains(t, *failed[0].ErrorMessage, "disk full")

	v, err := Run(context.Background(), h.o, h.vid, "other.save", func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, completed, _ := h.entries(t, "other.save")
	assert.Len(t, completed, 1)
}

func TestRun_CompletionWriteFailureClosesStep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := Run(context.Background(), h.o, h.vid, "generate_questions.save", func(ctx context.Context) (func(), error) {
		return func() {}, nil
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))

	started, completed, failed := h.entries(t, "generate_questions.save")
	assert.Len(t, started, 1)
	assert.Empty(t, completed)
	require.Len(t, failed, 1)
	assert.Equal(t, "internal: record step completion", *failed[0].ErrorMessage)
}

func TestPollUntilDone_UnknownJobFailsAtOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.o.PollUntilDone(context.Background(), h.vid, "generate_questions.poll", "j-unknown")
	require.Error(t, err)
	assert.Equal(t, apperr.JobFailed, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "job j-unknown not found")
	assert.Empty(t, h.sleeps)

	started, _, failed := h.entries(t, "generate_questions.poll")
	assert.Len(t, started, 1)
	require.Len(t, failed, 1)
	assert.Equal(t, "job_failed: job j-unknown not found", *failed[0].ErrorMessage)
}

func TestPollUntilDone_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		steps   []jobapi.FakeStep
		kind    apperr.Kind
		message string
		polls   int
	}{
		{
			name: "completed",
			steps: []jobapi.FakeStep{
				{Status: &jobapi.JobStatus{Status: jobapi.StatePending}},
				{Status: &jobapi.JobStatus{Status: jobapi.StateCompleted, Result: []byte(`{"questions":[{"text":"Who?"}]}`)}},
			},
			polls: 2,
		},
		{
			name:    "empty result",
			steps:   []jobapi.FakeStep{{Status: &jobapi.JobStatus{Status: jobapi.StateCompleted}}},
			kind:    apperr.EmptyResult,
			message: "without a result",
			polls:   1,
		},
		{
			name:    "null result",
			steps:   []jobapi.FakeStep{{Status: &jobapi.JobStatus{Status: jobapi.StateCompleted, Result: []byte("null")}}},
			kind:    apperr.EmptyResult,
			message: "without a result",
			polls:   1,
		},
		{
			name:    "failed",
			steps:   []jobapi.FakeStep{{Status: &jobapi.JobStatus{Status: jobapi.StateFailed, Error: "model overloaded"}}},
			kind:    apperr.JobFailed,
			message: "model overloaded",
			polls:   1,
		},
		{
			name:    "error without message",
			steps:   []jobapi.FakeStep{{Status: &jobapi.JobStatus{Status: jobapi.StateError}}},
			kind:    apperr.JobFailed,
			message: "job reported error",
			polls:   1,
		},
		{
			name:    "timeout",
			steps:   []jobapi.FakeStep{{Status: &jobapi.JobStatus{Status: jobapi.StateRunning}}},
			kind:    apperr.PollingTimeout,
			message: "not finished after 5 polls",
			polls:   5,
		},
		{
			name:    "query errors use the budget",
			steps:   []jobapi.FakeStep{{Err: errors.New("connection reset")}},
			kind:    apperr.PollingTimeout,
			message: "connection reset",
			polls:   5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxPollAttempts = 5
			h := newHarness(t, cfg)
			h.jobs.Script("generate_questions", tt.steps...)
			id, err := h.jobs.Submit(context.Background(), "generate_questions", nil)
			require.NoError(t, err)

			raw, err := h.o.PollUntilDone(context.Background(), h.vid, "generate_questions.poll", id)
			assert.Equal(t, tt.polls, h.jobs.Polls("generate_questions"))
			assert.Len(t, h.sleeps, tt.polls-1)

			started, completed, failed := h.entries(t, "generate_questions.poll")
			assert.Len(t, started, 1)
			if tt.kind == "" {
				require.NoError(t, err)
				assert.JSONEq(t, `{"questions":[{"text":"Who?"}]}`, string(raw))
				assert.Len(t, completed, 1)
				assert.Empty(t, failed)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.message)
			assert.Empty(t, completed)
			require.Len(t, failed, 1)
			assert.Contains(t, *failed[0].ErrorMessage, tt.message)
		})
	}
}

func TestPollUntilDone_PollInterval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.jobs.Script("s", jobapi.FakeStep{Status: &jobapi.JobStatus{Status: jobapi.StatePending}},
		jobapi.FakeStep{Status: &jobapi.JobStatus{Status: jobapi.StatePending}},
		jobapi.FakeStep{Status: &jobapi.JobStatus{Status: jobapi.StateCompleted, Result: []byte(`{}`)}})
	id, _ := h.jobs.Submit(context.Background(), "s", nil)

	_, err := h.o.PollUntilDone(context.Background(), h.vid, "s.poll", id)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, h.sleeps)
}

func TestPollUntilDone_Cancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxPollAttempts = 100000
	h := newHarness(t, cfg)
	h.o.sleep = sleep
	h.jobs.Script("generate_questions", jobapi.FakeStep{Status: &jobapi.JobStatus{Status: jobapi.StateRunning}})
	id, _ := h.jobs.Submit(context.Background(), "generate_questions", nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.o.PollUntilDone(ctx, h.vid, "generate_questions.poll", id)
	require.Error(t, err)
	assert.Equal(t, apperr.Cancelled, apperr.KindOf(err))

	started, completed, failed := h.entries(t, "generate_questions.poll")
	assert.Len(t, started, 1)
	assert.Empty(t, completed)
	require.Len(t, failed, 1)
	assert.Contains(t, *failed[0].ErrorMessage, "cancelled")
}

func TestAwaitResult_Decodes(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.jobs.Complete("generate_questions", `{"questions":[{"text":"Who said it first?"},{"text":"When?","order_index":0}]}`)
	id, _ := h.jobs.Submit(context.Background(), "generate_questions", nil)

	res, err := AwaitResult[models.QuestionsResult](context.Background(), h.o, h.vid, "generate_questions.poll", id)
	require.NoError(t, err)
	require.Len(t, res.Questions, 2)
	require.NotNil(t, res.Questions[1].OrderIndex)
	assert.Equal(t, 0, *res.Questions[1].OrderIndex)
}

func TestAwaitResult_MalformedIsEmptyResult(t *testing.T) {
	tests := map[string]string{
		"wrong shape": `{"questions":"nope"}`,
		"no entries":  `{"questions":[]}`,
		"not object":  `[1,2,3]`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.jobs.Complete("generate_questions", body)
			id, _ := h.jobs.Submit(context.Background(), "generate_questions", nil)

			_, err := AwaitResult[models.QuestionsResult](context.Background(), h.o, h.vid, "generate_questions.poll", id)
			require.Error(t, err)
			assert.Equal(t, apperr.EmptyResult, apperr.KindOf(err))

			started, completed, failed := h.entries(t, "generate_questions.poll")
			assert.Len(t, started, 1)
			assert.Empty(t, completed)
			assert.Len(t, failed, 1)
		})
	}
}
