// Package queue is the in-process registry for single-stage generation jobs.
// It is intentionally volatile: a restart loses it, and callers rebuild it by
// resubmitting. Only composite jobs get durable storage.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/models"
)

var (
	// ErrNotFound means no job with that ID is registered.
	ErrNotFound = errors.New("job not found")
	// ErrTerminalState means the job is absorbed and rejects further writes.
	ErrTerminalState = errors.New("job is in a terminal state")
	// ErrNotPending means StartProcessing was called outside the pending state.
	ErrNotPending = errors.New("job is not pending")
	// ErrInvalidProgress means a progress value outside 0..100.
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")
	// ErrInvalidPriority means an unknown priority level.
	ErrInvalidPriority = errors.New("unknown priority level")
	// ErrNotTerminalFailure means Retry was called on a job that is not a
	// terminally failed job.
	ErrNotTerminalFailure = errors.New("job is not a terminal failure")
	// ErrDuplicateHandle means a provider handle is already bound to another job.
	ErrDuplicateHandle = errors.New("provider handle already bound to another job")
)

// CancelledMessage is the sentinel error recorded when a caller cancels a job.
const CancelledMessage = "cancelled by caller"

// CreateParams carries everything needed to register a new job.
type CreateParams struct {
	OwnerID       string
	CorrelationID string
	Priority      models.Priority
	MaxRetries    int
	Metadata      map[string]string
}

// Config tunes queue defaults and eviction windows.
type Config struct {
	DefaultMaxRetries  int
	CompletedRetention time.Duration // completed jobs are kept this long
	FailedRetention    time.Duration // terminal failures are kept longer for debugging
}

// DefaultConfig returns the settings used when a zero Config is passed in.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries:  3,
		CompletedRetention: time.Hour,
		FailedRetention:    24 * time.Hour,
	}
}

// Queue is the ephemeral job registry. One mutex guards the job table and the
// provider-handle reverse index so the two can never drift apart; all reads
// hand out deep copies so callers never share memory with the registry.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	jobs     map[string]*models.Job
	byHandle map[string]string // provider handle -> job ID
}

// New builds an empty queue.
func New(cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = def.FailedRetention
	}
	return &Queue{
		cfg:      cfg,
		jobs:     make(map[string]*models.Job),
		byHandle: make(map[string]string),
	}
}

// Create registers a new pending job. When the owner already has a live job
// with the same correlation ID the existing job is returned instead, so
// retried submissions stay idempotent.
func (q *Queue) Create(params CreateParams) (*models.Job, error) {
	priority := params.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, ErrInvalidPriority
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.DefaultMaxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if params.CorrelationID != "" {
		for _, existing := range q.jobs {
			if existing.OwnerID == params.OwnerID && existing.CorrelationID == params.CorrelationID && !existing.IsTerminal() {
				return clone(existing), nil
			}
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:            uuid.NewString(),
		OwnerID:       params.OwnerID,
		CorrelationID: params.CorrelationID,
		Status:        models.StatusPending,
		Priority:      priority,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      cloneMetadata(params.Metadata),
	}
	q.jobs[job.ID] = job
	return clone(job), nil
}

// Get returns a copy of the job, or ErrNotFound.
func (q *Queue) Get(id string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(job), nil
}

// FindByProviderHandle resolves a provider handle through the reverse index.
// The webhook path depends on this lookup.
func (q *Queue) FindByProviderHandle(handle string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byHandle[handle]
	if !ok {
		return nil, ErrNotFound
	}
	job, ok := q.jobs[id]
	if !ok {
		// The index must never outlive its job.
		delete(q.byHandle, handle)
		return nil, ErrNotFound
	}
	return clone(job), nil
}

// StartProcessing moves a pending job to processing and binds the provider
// handle. The handle is set once; re-binding the same handle is a no-op so a
// duplicate submission ack cannot fail the job.
func (q *Queue) StartProcessing(id, providerHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.IsTerminal() {
		return ErrTerminalState
	}
	if job.ProviderHandle != "" {
		if job.ProviderHandle == providerHandle {
			return nil
		}
		return fmt.Errorf("provider handle for job %s already set to %s", id, job.ProviderHandle)
	}
	if job.Status != models.StatusPending {
		return ErrNotPending
	}
	if owner, exists := q.byHandle[providerHandle]; exists && owner != id {
		return ErrDuplicateHandle
	}

	now := time.Now().UTC()
	job.Status = models.StatusProcessing
	job.ProviderHandle = providerHandle
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	q.byHandle[providerHandle] = id
	return nil
}

// UpdateProgress raises the progress of a non-terminal job. Lower values are
// ignored rather than rejected: a stale poll estimate must never walk
// progress backwards.
func (q *Queue) UpdateProgress(id string, progress int) error {
	if progress < 0 || progress > 100 {
		return ErrInvalidProgress
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.IsTerminal() {
		return ErrTerminalState
	}
	if progress > job.Progress {
		job.Progress = progress
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Complete records the final result. Completing an already-completed job is a
// no-op, not an error, because poll and webhook may both deliver the same
// terminal notification.
func (q *Queue) Complete(id string, result *models.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status == models.StatusCompleted {
		return nil
	}
	if job.IsTerminal() {
		return ErrTerminalState
	}

	now := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.Result = result
	job.ErrorMessage = ""
	if job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.UpdatedAt = now
	return nil
}

// Fail applies the retry policy. With budget left the job returns to pending
// (progress reset, handle released) for the caller's retry loop to resubmit;
// otherwise it becomes terminally failed. Failing an already-terminal job is
// a no-op so duplicate failure notifications stay idempotent.
func (q *Queue) Fail(id, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.IsTerminal() {
		if job.Status == models.StatusFailed {
			return nil
		}
		return ErrTerminalState
	}

	now := time.Now().UTC()
	job.ErrorMessage = errMsg
	job.UpdatedAt = now

	if job.RetryCount >= job.MaxRetries {
		// Budget already spent; this failure is the terminal one.
		job.Status = models.StatusFailed
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		return nil
	}

	// Reset for retry: progress restarts and the old provider handle is
	// released, since the resubmission will receive a fresh one.
	job.RetryCount++
	q.releaseHandle(job)
	job.Status = models.StatusPending
	job.Progress = 0
	return nil
}

// Cancel terminally fails a pending or processing job with a sentinel error.
// Cancelling a job that is already terminal is a no-op success.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.IsTerminal() {
		return nil
	}
	q.failTerminalLocked(job, CancelledMessage)
	return nil
}

// FailTerminal fails a job without going through the retry budget, for
// provider errors no retry can fix. Duplicate notifications against an
// already-failed job are absorbed.
func (q *Queue) FailTerminal(id, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.IsTerminal() {
		if job.Status == models.StatusFailed {
			return nil
		}
		return ErrTerminalState
	}
	q.failTerminalLocked(job, errMsg)
	return nil
}

// failTerminalLocked moves a live job straight to terminal failed, spending
// whatever retry budget remains. Callers must hold q.mu.
func (q *Queue) failTerminalLocked(job *models.Job, errMsg string) {
	now := time.Now().UTC()
	job.Status = models.StatusFailed
	job.ErrorMessage = errMsg
	if job.RetryCount < job.MaxRetries {
		job.RetryCount = job.MaxRetries
	}
	if job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.UpdatedAt = now
}

// Retry manually re-queues a terminally failed job with a fresh retry budget.
// This is an explicit operator action; the automatic Fail path can never
// resurrect a job whose budget is spent.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.StatusFailed || job.RetryCount < job.MaxRetries {
		return ErrNotTerminalFailure
	}

	q.releaseHandle(job)
	job.Status = models.StatusPending
	job.RetryCount = 0
	job.Progress = 0
	job.Result = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPriority re-ranks a live job. Terminal jobs cannot be re-prioritized.
func (q *Queue) SetPriority(id string, priority models.Priority) error {
	if !priority.Valid() {
		return ErrInvalidPriority
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.IsTerminal() {
		return ErrTerminalState
	}
	job.Priority = priority
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// ListPending returns pending jobs ordered by priority (urgent first) and,
// within one priority, by creation time (oldest first).
func (q *Queue) ListPending() []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]*models.Job, 0)
	for _, job := range q.jobs {
		if job.Status == models.StatusPending {
			pending = append(pending, clone(job))
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority.Rank() != pending[j].Priority.Rank() {
			return pending[i].Priority.Rank() > pending[j].Priority.Rank()
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// List returns jobs filtered by status and owner, newest first, capped at limit.
func (q *Queue) List(status models.JobStatus, ownerID string, limit int) []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.Job, 0)
	for _, job := range q.jobs {
		if status != "" && job.Status != status {
			continue
		}
		if ownerID != "" && job.OwnerID != ownerID {
			continue
		}
		out = append(out, clone(job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Metrics counts jobs per state for the metrics endpoint.
func (q *Queue) Metrics() models.Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	var m models.Metrics
	for _, job := range q.jobs {
		m.TotalJobs++
		m.TotalRetries += int64(job.RetryCount)
		switch job.Status {
		case models.StatusPending:
			m.PendingJobs++
		case models.StatusProcessing:
			m.ProcessingJobs++
		case models.StatusCompleted:
			m.CompletedJobs++
		case models.StatusFailed:
			m.FailedJobs++
		}
	}
	return m
}

// EvictOnce removes completed jobs older than the completed-retention window
// and terminal failures older than the failed-retention window, measured
// against now. Reverse-index entries go with their jobs.
func (q *Queue) EvictOnce(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, job := range q.jobs {
		if !job.IsTerminal() || job.CompletedAt == nil {
			continue
		}
		retention := q.cfg.FailedRetention
		if job.Status == models.StatusCompleted {
			retention = q.cfg.CompletedRetention
		}
		if now.Sub(*job.CompletedAt) < retention {
			continue
		}
		q.releaseHandle(job)
		delete(q.jobs, id)
		removed++
	}
	return removed
}

// RunEviction sweeps on a fixed interval until ctx is cancelled.
func (q *Queue) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[EVICT] sweep stopped")
			return
		case <-ticker.C:
			if n := q.EvictOnce(time.Now().UTC()); n > 0 {
				log.Printf("[EVICT] removed %d expired jobs", n)
			}
		}
	}
}

// releaseHandle drops the reverse-index entry for a job, if any.
// Callers must hold q.mu.
func (q *Queue) releaseHandle(job *models.Job) {
	if job.ProviderHandle != "" {
		delete(q.byHandle, job.ProviderHandle)
		job.ProviderHandle = ""
	}
}

func clone(job *models.Job) *models.Job {
	copied := *job
	copied.Metadata = cloneMetadata(job.Metadata)
	if job.Result != nil {
		result := *job.Result
		copied.Result = &result
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		copied.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	copied := make(map[string]string, len(metadata))
	for k, v := range metadata {
		copied[k] = v
	}
	return copied
}
