package models

import (
	"errors"
	"fmt"
	"strings"
)

// Payload is a typed job result that can check its own shape.
type Payload interface {
	Validate() error
}

// QuestionsResult is the result of a generate_questions job.
type QuestionsResult struct {
	Questions []GeneratedQuestion `json:"questions"`
}

// GeneratedQuestion is one question produced by the external job.
type GeneratedQuestion struct {
	Text       string `json:"text"`
	OrderIndex *int   `json:"order_index,omitempty"`
}

// Validate requires at least one question entry. Individual entries are
// checked later, when the batch is saved.
func (r QuestionsResult) Validate() error {
	if len(r.Questions) == 0 {
		return errors.New("no questions in result")
	}
	return nil
}

// Candidates converts the result into insertion candidates.
func (r QuestionsResult) Candidates() []QuestionCandidate {
	out := make([]QuestionCandidate, len(r.Questions))
	for i, q := range r.Questions {
		out[i] = QuestionCandidate{Text: q.Text, OrderIndex: q.OrderIndex}
	}
	return out
}

// SourcesResult is the result of a discover_sources job.
type SourcesResult struct {
	Sources []DiscoveredSource `json:"sources"`
}

// DiscoveredSource is one reference returned by source discovery.
type DiscoveredSource struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Validate requires at least one source with a URL.
func (r SourcesResult) Validate() error {
	if len(r.Sources) == 0 {
		return errors.New("no sources in result")
	}
	for i, s := range r.Sources {
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("source %d has no url", i)
		}
	}
	return nil
}

// AnalysisResult is the result of an analyze_sources job.
type AnalysisResult struct {
	Verdict   string     `json:"verdict"`
	Label     string     `json:"label"`
	Summary   string     `json:"summary"`
	Citations []Citation `json:"citations"`
	QA        []QAPair   `json:"qa"`
}

// Citation links a statement in the summary to a source.
type Citation struct {
	SourceURL string `json:"source_url"`
	Quote     string `json:"quote"`
}

// QAPair answers one critical question.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Validate requires a verdict and a summary.
func (r AnalysisResult) Validate() error {
	if strings.TrimSpace(r.Verdict) == "" {
		return errors.New("missing verdict")
	}
	if strings.TrimSpace(r.Summary) == "" {
		return errors.New("missing summary")
	}
	return nil
}
