package jobapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Fake is a scripted Client for tests. Submissions are answered from
// SubmitErrs first, then succeed; each job's polls walk through its
// scripted statuses and repeat the last one.
type Fake struct {
	mu sync.Mutex

	submitErrs []error
	scripts    map[string][]FakeStep
	jobs       map[string]*fakeJob
	next       int

	submits  map[string]int
	statuses map[string]int
	payloads map[string][]any
}

// FakeStep is one scripted reply to a Status call.
type FakeStep struct {
	Status *JobStatus
	Err    error
}

type fakeJob struct {
	step  string
	steps []FakeStep
	pos   int
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		scripts:  make(map[string][]FakeStep),
		jobs:     make(map[string]*fakeJob),
		submits:  make(map[string]int),
		statuses: make(map[string]int),
		payloads: make(map[string][]any),
	}
}

// FailSubmit queues errors returned by the next Submit calls.
func (f *Fake) FailSubmit(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// Script sets the status replies for jobs submitted for step.
func (f *Fake) Script(step string, steps ...FakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[step] = steps
}

// Complete scripts step to finish immediately with result.
func (f *Fake) Complete(step string, result string) {
	f.Script(step, FakeStep{Status: &JobStatus{Status: StateCompleted, Result: []byte(result)}})
}

// Submit implements Client.
func (f *Fake) Submit(ctx context.Context, step string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits[step]++
	f.payloads[step] = append(f.payloads[step], payload)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return "", err
	}

	f.next++
	id := fmt.Sprintf("job-%d", f.next)
	f.jobs[id] = &fakeJob{step: step, steps: f.scripts[step]}
	return id, nil
}

// Status implements Client.
func (f *Fake) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "job " + jobID + " not found"}
	}
	f.statuses[job.step]++
	if len(job.steps) == 0 {
		return &JobStatus{JobID: jobID, Status: StatePending}, nil
	}

	s := job.steps[min(job.pos, len(job.steps)-1)]
	job.pos++
	if s.Err != nil {
		return nil, s.Err
	}
	st := *s.Status
	st.JobID = jobID
	return &st, nil
}

// Register adds a job with a known ID, as if submitted by an earlier process.
func (f *Fake) Register(jobID, step string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = &fakeJob{step: step, steps: f.scripts[step]}
}

// Submits returns how many times step was submitted.
func (f *Fake) Submits(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[step]
}

// Polls returns how many status calls were made for step's jobs.
func (f *Fake) Polls(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[step]
}

// Payloads returns the payloads submitted for step.
func (f *Fake) Payloads(step string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.payloads[step]...)
}
