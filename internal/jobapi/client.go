// Package jobapi talks to the external asynchronous job service that
// generates questions, discovers sources and analyzes them.
package jobapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// State is the lifecycle state reported for a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateError     State = "error"
)

// Terminal reports whether the job will not change state again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateError
}

// Client submits jobs and reports their status.
type Client interface {
	Submit(ctx context.Context, step string, payload any) (string, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	JobID  string          `json:"job_id"`
	Status State           `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SubmitRequest is the body of a job submission.
type SubmitRequest struct {
	Step    string `json:"step"`
	Payload any    `json:"payload"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// QuestionsRequest asks for critical questions about a claim.
type QuestionsRequest struct {
	Claim string `json:"claim"`
}

// SourcesRequest asks for sources that can answer the questions.
type SourcesRequest struct {
	Claim     string   `json:"claim"`
	Questions []string `json:"questions"`
}

// AnalysisRequest asks for a verdict based on the selected sources.
type AnalysisRequest struct {
	Claim     string          `json:"claim"`
	Questions []string        `json:"questions"`
	Sources   []AnalysisInput `json:"sources"`
}

// AnalysisInput is one selected source handed to analysis.
type AnalysisInput struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// ErrorResponse is the error body returned by the job service.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// APIError is a non-2xx reply from the job service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("job api: HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("job api: HTTP %d: %s", e.Status, e.Message)
}

// IsTransient reports whether err is worth retrying: 5xx and 429 replies
// and network errors are; 4xx replies and context errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500 || ae.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}
