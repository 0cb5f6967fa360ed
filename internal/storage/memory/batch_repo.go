package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/seoscope/pagestore/internal/pages"
)

// BatchRepo is an in-memory pages.BatchRepo. Every conditional operation
// checks and mutates under one mutex, matching the single-document atomic
// update semantics the coordinator requires.
type BatchRepo struct {
	mu   sync.RWMutex
	jobs map[string]*pages.BatchJob
}

// NewBatchRepo constructs a BatchRepo.
func NewBatchRepo() *BatchRepo {
	return &BatchRepo{
		jobs: make(map[string]*pages.BatchJob),
	}
}

// Create stores a new batch job.
func (r *BatchRepo) Create(_ context.Context, job pages.BatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return errors.New("batch already exists")
	}
	cp := copyJob(&job)
	r.jobs[job.ID] = &cp
	return nil
}

// Get fetches a batch job by ID.
func (r *BatchRepo) Get(_ context.Context, id string) (pages.BatchJob, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return pages.BatchJob{}, false, nil
	}
	return copyJob(job), true, nil
}

// Start transitions pending -> processing.
func (r *BatchRepo) Start(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, pages.ErrBatchNotFound
	}
	if job.Status != pages.BatchStatusPending {
		return false, nil
	}
	job.Status = pages.BatchStatusProcessing
	ts := at
	job.StartedAt = &ts
	return true, nil
}

// Claim adds the URL to the processing set only if the job is non-terminal
// and the URL holds no claim or terminal outcome.
func (r *BatchRepo) Claim(_ context.Context, id, url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, pages.ErrBatchNotFound
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	if job.TerminalURLs()[url] {
		return false, nil
	}
	for _, u := range job.Processing {
		if u == url {
			return false, nil
		}
	}
	job.Processing = append(job.Processing, url)
	return true, nil
}

// RecordSuccess pushes a success outcome and releases the claim. The push
// applies only if the URL holds no terminal outcome yet; the claim release
// happens either way.
func (r *BatchRepo) RecordSuccess(_ context.Context, id string, outcome pages.URLOutcome) (bool, error) {
	return r.record(id, outcome, true)
}

// RecordFailure is the failure-side counterpart of RecordSuccess.
func (r *BatchRepo) RecordFailure(_ context.Context, id string, outcome pages.URLOutcome) (bool, error) {
	return r.record(id, outcome, false)
}

func (r *BatchRepo) record(id string, outcome pages.URLOutcome, success bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, pages.ErrBatchNotFound
	}

	kept := job.Processing[:0]
	for _, u := range job.Processing {
		if u != outcome.URL {
			kept = append(kept, u)
		}
	}
	job.Processing = kept

	if job.TerminalURLs()[outcome.URL] {
		return false, nil
	}
	if success {
		job.Succeeded = append(job.Succeeded, outcome)
	} else {
		job.Failed = append(job.Failed, outcome)
	}
	return true, nil
}

// SetCurrentURL stamps the informational last-touched URL.
func (r *BatchRepo) SetCurrentURL(_ context.Context, id, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return pages.ErrBatchNotFound
	}
	job.CurrentURL = url
	return nil
}

// SetProcessedCount stores the recomputed distinct-outcome count.
func (r *BatchRepo) SetProcessedCount(_ context.Context, id string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return pages.ErrBatchNotFound
	}
	job.ProcessedCount = count
	return nil
}

// Finish transitions a non-terminal job to the given terminal status.
func (r *BatchRepo) Finish(_ context.Context, id string, status pages.BatchStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, pages.ErrBatchNotFound
	}
	if job.Status.IsTerminal() || !status.IsTerminal() {
		return false, nil
	}
	job.Status = status
	ts := at
	job.CompletedAt = &ts
	job.Processing = nil
	job.CurrentURL = ""
	return true, nil
}

// Cancel marks the job cancelled unless already completed or cancelled.
func (r *BatchRepo) Cancel(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, pages.ErrBatchNotFound
	}
	if job.Status == pages.BatchStatusCompleted || job.Status == pages.BatchStatusCancelled {
		return false, nil
	}
	job.Status = pages.BatchStatusCancelled
	ts := at
	job.CompletedAt = &ts
	return true, nil
}

// ResetFailed returns failed URLs below the retry cap to unclaimed work and
// reopens the job. Cancelled jobs stay cancelled.
func (r *BatchRepo) ResetFailed(_ context.Context, id string, maxRetries int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, pages.ErrBatchNotFound
	}
	if job.Status == pages.BatchStatusCancelled {
		return nil, nil
	}

	succeeded := make(map[string]bool, len(job.Succeeded))
	for _, o := range job.Succeeded {
		succeeded[o.URL] = true
	}

	var reset []string
	resetSet := make(map[string]bool)
	for _, o := range job.Failed {
		if succeeded[o.URL] || resetSet[o.URL] {
			continue
		}
		if job.RetryCounts[o.URL] >= maxRetries {
			continue
		}
		resetSet[o.URL] = true
		reset = append(reset, o.URL)
	}
	if len(reset) == 0 {
		return nil, nil
	}

	kept := job.Failed[:0]
	for _, o := range job.Failed {
		if !resetSet[o.URL] {
			kept = append(kept, o)
		}
	}
	job.Failed = kept
	if job.RetryCounts == nil {
		job.RetryCounts = make(map[string]int, len(reset))
	}
	for _, u := range reset {
		job.RetryCounts[u]++
	}
	job.Status = pages.BatchStatusProcessing
	job.CompletedAt = nil
	return reset, nil
}

func copyJob(job *pages.BatchJob) pages.BatchJob {
	cp := *job
	cp.SourceURLs = append([]string(nil), job.SourceURLs...)
	cp.Succeeded = append([]pages.URLOutcome(nil), job.Succeeded...)
	cp.Failed = append([]pages.URLOutcome(nil), job.Failed...)
	cp.Processing = append([]string(nil), job.Processing...)
	if job.RetryCounts != nil {
		cp.RetryCounts = make(map[string]int, len(job.RetryCounts))
		for k, v := range job.RetryCounts {
			cp.RetryCounts[k] = v
		}
	}
	if job.StartedAt != nil {
		ts := *job.StartedAt
		cp.StartedAt = &ts
	}
	if job.CompletedAt != nil {
		ts := *job.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}
