// Package models defines the core data types for factflow.
package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a verification.
type Status string

const (
	StatusDraft               Status = "draft"
	StatusProcessingQuestions Status = "processing_questions"
	StatusSourcesReady        Status = "sources_ready"
	StatusGeneratingSummary   Status = "generating_summary"
	StatusCompleted           Status = "completed"
	StatusError               Status = "error"
)

// Statuses lists every defined status in pipeline order.
var Statuses = []Status{
	StatusDraft,
	StatusProcessingQuestions,
	StatusSourcesReady,
	StatusGeneratingSummary,
	StatusCompleted,
	StatusError,
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

func (s Status) String() string { return string(s) }

// Claim and question text bounds, counted in characters after trimming.
const (
	MinClaimLength    = 10
	MaxClaimLength    = 5000
	MinQuestionLength = 5
	MaxQuestionLength = 200
)

// Verification is a user-submitted claim moving through the pipeline.
type Verification struct {
	ID         string    `db:"id" json:"id"`
	OwnerID    string    `db:"owner_id" json:"owner_id"`
	Text       string    `db:"claim_text" json:"text"`
	Status     Status    `db:"status" json:"status"`
	ShareToken *string   `db:"share_token" json:"share_token,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ShortID returns the first 8 characters of the verification ID.
func (v *Verification) ShortID() string {
	if len(v.ID) > 8 {
		return v.ID[:8]
	}
	return v.ID
}

// NormalizeText trims s and returns it with its length in characters.
func NormalizeText(s string) (string, int) {
	s = strings.TrimSpace(s)
	return s, utf8.RuneCountInString(s)
}
