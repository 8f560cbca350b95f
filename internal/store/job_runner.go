// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's work. It receives the job's payload JSON and returns an
// error if the execution failed and should be retried.
type JobHandler func(ctx context.Context, payload string) error

// ExhaustedHandler is called once a job has failed on its final attempt.
type ExhaustedHandler func(ctx context.Context, payload string, lastErr error)

type jobKind struct {
	handler   JobHandler
	exhausted ExhaustedHandler
}

// JobRunner periodically claims due jobs and dispatches them to registered handlers.
type JobRunner struct {
	repo           JobRepo
	kinds          map[string]jobKind
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	baseBackoff    time.Duration
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithBaseBackoff sets the delay before the first retry. Later retries double it.
func WithBaseBackoff(d time.Duration) RunnerOption {
	return func(r *JobRunner) { r.baseBackoff = d }
}

// WithStaleThreshold sets how long a job may stay running before RecoverStaleJobs
// requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(r *JobRunner) { r.staleThreshold = d }
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	r := &JobRunner{
		repo:           repo,
		kinds:          make(map[string]jobKind),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		baseBackoff:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind. exhausted may be nil.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler, exhausted ExhaustedHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = jobKind{handler: handler, exhausted: exhausted}
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// Enqueue schedules a job of kind to run at runAt.
func (r *JobRunner) Enqueue(ctx context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	return r.repo.EnqueueJob(ctx, kind, runAt, payloadJSON, dedupeKey)
}

// RecoverStaleJobs requeues jobs that were running when the process stopped.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims and executes every job that is due now.
func (r *JobRunner) Poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.Poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.mu.RLock()
		kind, ok := r.kinds[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.Poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			r.fail(ctx, job, jobKind{}, fmt.Errorf("no handler registered for kind: %s", job.Kind), now.Add(time.Minute))
			continue
		}

		slog.Debug("JobRunner.Poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := kind.handler(ctx, job.PayloadJSON); err != nil {
			slog.Error("JobRunner.Poll: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			// Exponential backoff: base, 2*base, 4*base, ...
			r.fail(ctx, job, kind, err, now.Add(r.baseBackoff*time.Duration(1<<job.Attempt)))
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.Poll: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.Poll: job completed", "id", job.ID, "kind", job.Kind)
	}
}

func (r *JobRunner) fail(ctx context.Context, job Job, kind jobKind, cause error, nextRun time.Time) {
	exhausted, err := r.repo.FailJob(ctx, job.ID, cause.Error(), nextRun)
	if err != nil {
		slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
		return
	}
	if exhausted {
		slog.Warn("JobRunner.Poll: job exhausted its attempts", "id", job.ID, "kind", job.Kind, "error", cause)
		if kind.exhausted != nil {
			kind.exhausted(ctx, job.PayloadJSON, cause)
		}
	}
}
