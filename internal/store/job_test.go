package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type jobRepoFactory struct {
	name string
	new  func(t *testing.T) JobRepo
}

func jobRepos() []jobRepoFactory {
	return []jobRepoFactory{
		{"memory", func(t *testing.T) JobRepo { return NewInMemoryStore() }},
		{"sqlite", func(t *testing.T) JobRepo { return newTestSQLiteStore(t) }},
	}
}

func TestJobRepo_EnqueueAndGet(t *testing.T) {
	for _, f := range jobRepos() {
		t.Run(f.name, func(t *testing.T) {
			repo := f.new(t)
			ctx := context.Background()

			runAt := time.Now().Add(time.Hour)
			id, err := repo.EnqueueJob(ctx, "generate_options", runAt, `{"session_id":"s1"}`, "")
			if err != nil {
				t.Fatalf("EnqueueJob failed: %v", err)
			}
			if id == "" {
				t.Fatal("EnqueueJob returned empty ID")
			}

			job, err := repo.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if job == nil {
				t.Fatal("GetJob returned nil")
			}
			if job.Kind != "generate_options" {
				t.Errorf("Expected kind 'generate_options', got %q", job.Kind)
			}
			if job.Status != JobStatusQueued {
				t.Errorf("Expected status 'queued', got %q", job.Status)
			}
			if job.PayloadJSON != `{"session_id":"s1"}` {
				t.Errorf("Expected payload, got %q", job.PayloadJSON)
			}

			missing, err := repo.GetJob(ctx, "job_missing")
			if err != nil || missing != nil {
				t.Errorf("Expected nil for missing job, got %v, %v", missing, err)
			}
		})
	}
}

func TestJobRepo_DedupeKey(t *testing.T) {
	for _, f := range jobRepos() {
		t.Run(f.name, func(t *testing.T) {
			repo := f.new(t)
			ctx := context.Background()
			runAt := time.Now()

			id1, err := repo.EnqueueJob(ctx, "generate_options", runAt, "{}", "s1:generating-options:3")
			if err != nil {
				t.Fatal(err)
			}
			id2, err := repo.EnqueueJob(ctx, "generate_options", runAt, "{}", "s1:generating-options:3")
			if err != nil {
				t.Fatal(err)
			}
			if id1 != id2 {
				t.Errorf("Expected dedupe to return existing ID %s, got %s", id1, id2)
			}

			if err := repo.CompleteJob(ctx, id1); err != nil {
				t.Fatal(err)
			}
			id3, err := repo.EnqueueJob(ctx, "generate_options", runAt, "{}", "s1:generating-options:3")
			if err != nil {
				t.Fatal(err)
			}
			if id3 == id1 {
				t.Error("Expected a new job after the previous one completed")
			}
		})
	}
}

func TestJobRepo_ClaimDueJobs(t *testing.T) {
	for _, f := range jobRepos() {
		t.Run(f.name, func(t *testing.T) {
			repo := f.new(t)
			ctx := context.Background()
			now := time.Now()

			dueID, _ := repo.EnqueueJob(ctx, "k", now.Add(-time.Minute), "{}", "")
			repo.EnqueueJob(ctx, "k", now.Add(time.Hour), "{}", "")

			jobs, err := repo.ClaimDueJobs(ctx, now, 10)
			if err != nil {
				t.Fatalf("ClaimDueJobs failed: %v", err)
			}
			if len(jobs) != 1 || jobs[0].ID != dueID {
				t.Fatalf("Expected exactly the due job, got %+v", jobs)
			}
			if jobs[0].Status != JobStatusRunning || jobs[0].LockedAt == nil {
				t.Errorf("Claimed job not marked running: %+v", jobs[0])
			}

			again, err := repo.ClaimDueJobs(ctx, now, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(again) != 0 {
				t.Errorf("Running job claimed twice: %+v", again)
			}
		})
	}
}

func TestJobRepo_FailUntilExhausted(t *testing.T) {
	for _, f := range jobRepos() {
		t.Run(f.name, func(t *testing.T) {
			repo := f.new(t)
			ctx := context.Background()
			id, _ := repo.EnqueueJob(ctx, "k", time.Now(), "{}", "")

			for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
				exhausted, err := repo.FailJob(ctx, id, "boom", time.Now())
				if err != nil {
					t.Fatalf("FailJob failed: %v", err)
				}
				want := attempt == DefaultMaxAttempts
				if exhausted != want {
					t.Fatalf("attempt %d: exhausted = %v, want %v", attempt, exhausted, want)
				}
			}

			job, _ := repo.GetJob(ctx, id)
			if job.Status != JobStatusFailed {
				t.Errorf("Expected failed status, got %q", job.Status)
			}
			if job.LastError != "boom" || job.Attempt != DefaultMaxAttempts {
				t.Errorf("Unexpected failure bookkeeping: %+v", job)
			}
		})
	}
}

func TestJobRepo_CancelAndRequeue(t *testing.T) {
	for _, f := range jobRepos() {
		t.Run(f.name, func(t *testing.T) {
			repo := f.new(t)
			ctx := context.Background()
			now := time.Now()

			cancelID, _ := repo.EnqueueJob(ctx, "k", now.Add(time.Hour), "{}", "")
			if err := repo.CancelJob(ctx, cancelID); err != nil {
				t.Fatal(err)
			}
			job, _ := repo.GetJob(ctx, cancelID)
			if job.Status != JobStatusCanceled {
				t.Errorf("Expected canceled, got %q", job.Status)
			}

			staleID, _ := repo.EnqueueJob(ctx, "k", now.Add(-time.Hour), "{}", "")
			if _, err := repo.ClaimDueJobs(ctx, now.Add(-30*time.Minute), 10); err != nil {
				t.Fatal(err)
			}
			n, err := repo.RequeueStaleRunningJobs(ctx, now.Add(-10*time.Minute))
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("Expected 1 requeued job, got %d", n)
			}
			job, _ = repo.GetJob(ctx, staleID)
			if job.Status != JobStatusQueued {
				t.Errorf("Expected requeued job to be queued, got %q", job.Status)
			}
		})
	}
}

func TestJobRunner_Poll(t *testing.T) {
	repo := NewInMemoryStore()
	ctx := context.Background()
	runner := NewJobRunner(repo, time.Millisecond, WithBaseBackoff(0))

	var okRuns, failRuns, exhaustedCalls int32
	runner.RegisterHandler("ok", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&okRuns, 1)
		return nil
	}, nil)
	runner.RegisterHandler("flaky", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&failRuns, 1)
		return errors.New("upstream unavailable")
	}, func(ctx context.Context, payload string, lastErr error) {
		atomic.AddInt32(&exhaustedCalls, 1)
		if payload != `{"n":1}` {
			t.Errorf("unexpected payload %q", payload)
		}
	})

	okID, _ := runner.Enqueue(ctx, "ok", time.Now().Add(-time.Second), "{}", "")
	flakyID, _ := runner.Enqueue(ctx, "flaky", time.Now().Add(-time.Second), `{"n":1}`, "")
	orphanID, _ := runner.Enqueue(ctx, "orphan", time.Now().Add(-time.Second), "{}", "")

	for i := 0; i < DefaultMaxAttempts; i++ {
		runner.Poll(ctx)
	}

	if okRuns != 1 {
		t.Errorf("Expected ok handler to run once, ran %d times", okRuns)
	}
	if failRuns != DefaultMaxAttempts {
		t.Errorf("Expected flaky handler to run %d times, ran %d", DefaultMaxAttempts, failRuns)
	}
	if exhaustedCalls != 1 {
		t.Errorf("Expected exhausted callback once, got %d", exhaustedCalls)
	}

	job, _ := repo.GetJob(ctx, okID)
	if job.Status != JobStatusDone {
		t.Errorf("ok job status = %q", job.Status)
	}
	job, _ = repo.GetJob(ctx, flakyID)
	if job.Status != JobStatusFailed {
		t.Errorf("flaky job status = %q", job.Status)
	}
	job, _ = repo.GetJob(ctx, orphanID)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Errorf("orphan job should be rescheduled once, got %+v", job)
	}
}

func TestJobRunner_RunStopsOnCancel(t *testing.T) {
	runner := NewJobRunner(NewInMemoryStore(), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
