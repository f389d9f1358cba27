package jobapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sashabaranov/go-openai"
)

// stepPrompts holds the system prompt for each supported step. Every prompt
// asks for a JSON object matching the step's result type.
var stepPrompts = map[string]string{
	"generate_questions": `You help fact-checkers. Given a claim, write 3 to 7 short critical questions ` +
		`that must be answered to verify it. Each question is 5 to 200 characters. ` +
		`Reply with JSON: {"questions":[{"text":"..."}]}`,
	"discover_sources": `You help fact-checkers find evidence. Given a claim and its critical questions, ` +
		`list reputable sources likely to answer them. ` +
		`Reply with JSON: {"sources":[{"url":"...","title":"...","snippet":"..."}]}`,
	"analyze_sources": `You are a careful fact-checker. Given a claim, its critical questions and the selected sources, ` +
		`answer each question using only the sources and give a verdict. ` +
		`Reply with JSON: {"verdict":"true|false|mixed|unverifiable","label":"...","summary":"...",` +
		`"citations":[{"source_url":"...","quote":"..."}],"qa":[{"question":"...","answer":"..."}]}`,
}

// LLMConfig configures an LLMRunner.
type LLMConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	JobTimeout time.Duration
	JobTTL     time.Duration
}

// LLMRunner implements Client in-process by running each job against an
// OpenAI-compatible chat completion API.
type LLMRunner struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	jobs    *cache.Cache
	logger  *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLLMRunner creates a runner. Finished jobs are kept for cfg.JobTTL.
func NewLLMRunner(cfg LLMConfig, logger *slog.Logger) (*LLMRunner, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LLMRunner{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.JobTimeout,
		jobs:    cache.New(cfg.JobTTL, 10*time.Minute),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Submit starts a job in the background and returns its ID.
func (r *LLMRunner) Submit(ctx context.Context, step string, payload any) (string, error) {
	prompt, ok := stepPrompts[step]
	if !ok {
		return "", &APIError{Status: http.StatusBadRequest, Code: "unknown_step", Message: fmt.Sprintf("unsupported step %q", step)}
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return "", &APIError{Status: http.StatusBadRequest, Code: "bad_payload", Message: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	r.jobs.SetDefault(id, &JobStatus{JobID: id, Status: StatePending})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(id, step, prompt, string(input))
	}()
	return id, nil
}

// Status returns the job's current state.
func (r *LLMRunner) Status(_ context.Context, jobID string) (*JobStatus, error) {
	v, ok := r.jobs.Get(jobID)
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Code: "not_found", Message: fmt.Sprintf("job %s not found", jobID)}
	}
	st := *v.(*JobStatus)
	return &st, nil
}

// Close cancels running jobs and waits for them to finish.
func (r *LLMRunner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *LLMRunner) run(id, step, prompt, input string) {
	r.jobs.SetDefault(id, &JobStatus{JobID: id, Status: StateRunning})

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.2,
	})
	if err != nil {
		r.fail(id, step, fmt.Sprintf("llm request failed: %v", err))
		return
	}
	if len(resp.Choices) == 0 {
		r.fail(id, step, "llm returned no choices")
		return
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content != "" && !json.Valid([]byte(content)) {
		r.fail(id, step, "llm returned invalid JSON")
		return
	}

	r.jobs.SetDefault(id, &JobStatus{JobID: id, Status: StateCompleted, Result: json.RawMessage(content)})
	r.logger.Debug("llm job completed", "job_id", id, "step", step, "tokens", resp.Usage.TotalTokens)
}

func (r *LLMRunner) fail(id, step, msg string) {
	r.jobs.SetDefault(id, &JobStatus{JobID: id, Status: StateFailed, Error: msg})
	r.logger.Warn("llm job failed", "job_id", id, "step", step, "error", msg)
}
