package models

import "time"

// LogStatus is the outcome recorded by a process log entry.
type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogCompleted LogStatus = "completed"
	LogError     LogStatus = "error"
)

// Valid reports whether s is a known log status.
func (s LogStatus) Valid() bool {
	return s == LogStarted || s == LogCompleted || s == LogError
}

// ProcessLogEntry is one append-only audit record for a verification step.
type ProcessLogEntry struct {
	ID             int64     `db:"id" json:"id"`
	VerificationID string    `db:"verification_id" json:"verification_id"`
	Step           string    `db:"step" json:"step"`
	Status         LogStatus `db:"status" json:"status"`
	ErrorMessage   *string   `db:"error_message" json:"error_message,omitempty"`
	Payload        JSON      `db:"payload" json:"payload,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Step names used by the pipeline.
const (
	StepGenerateQuestions = "generate_questions"
	StepDiscoverSources   = "discover_sources"
	StepAnalyzeSources    = "analyze_sources"
)
