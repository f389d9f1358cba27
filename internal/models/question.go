package models

import "time"

// Question is an ordered critical question belonging to a verification.
type Question struct {
	ID             string    `db:"id" json:"id"`
	VerificationID string    `db:"verification_id" json:"verification_id"`
	Text           string    `db:"text" json:"text"`
	OriginalText   string    `db:"original_text" json:"original_text"`
	IsEdited       bool      `db:"is_edited" json:"is_edited"`
	OrderIndex     int       `db:"order_index" json:"order_index"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// QuestionCandidate is a question proposed for batch insertion.
// A nil OrderIndex means the candidate's position in the batch is used.
type QuestionCandidate struct {
	Text       string `json:"text"`
	OrderIndex *int   `json:"order_index,omitempty"`
}

// QuestionMove assigns a question a new position.
type QuestionMove struct {
	ID       string `json:"id"`
	NewIndex int    `json:"new_index"`
}

// Source is a discovered reference a user may select for analysis.
type Source struct {
	ID             string    `db:"id" json:"id"`
	VerificationID string    `db:"verification_id" json:"verification_id"`
	URL            string    `db:"url" json:"url"`
	Title          string    `db:"title" json:"title"`
	Snippet        string    `db:"snippet" json:"snippet"`
	Selected       bool      `db:"selected" json:"selected"`
	OrderIndex     int       `db:"order_index" json:"order_index"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// FinalResult is the terminal artifact stored when analysis completes.
type FinalResult struct {
	VerificationID string    `db:"verification_id" json:"verification_id"`
	Verdict        string    `db:"verdict" json:"verdict"`
	Label          string    `db:"label" json:"label"`
	Summary        string    `db:"summary" json:"summary"`
	Payload        JSON      `db:"payload" json:"payload"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
