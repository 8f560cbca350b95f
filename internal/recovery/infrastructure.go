package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CharacterForge/internal/flow"
	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/store"
)

// SessionCallback is invoked for every session still active after recovery.
type SessionCallback func(ctx context.Context, sess models.Session) error

// SessionRecovery reloads non-terminal sessions into the engine and immediately
// applies timeouts that elapsed while the process was down.
type SessionRecovery struct {
	engine    *flow.Engine
	callbacks []SessionCallback
}

// NewSessionRecovery creates a SessionRecovery. Callbacks run for each session that
// is still active once overdue timeouts have been applied.
func NewSessionRecovery(engine *flow.Engine, callbacks ...SessionCallback) *SessionRecovery {
	return &SessionRecovery{engine: engine, callbacks: callbacks}
}

func (r *SessionRecovery) Name() string { return "sessions" }

func (r *SessionRecovery) RecoverState(ctx context.Context) error {
	n, err := r.engine.Restore(ctx)
	if err != nil {
		return err
	}

	timedOut := 0
	var errs []error
	for _, id := range r.engine.Registry().IDs() {
		_, moved, err := r.engine.CheckTimeout(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		if moved {
			timedOut++
			continue
		}
		sess, err := r.engine.Registry().Get(ctx, id)
		if err != nil {
			if !errors.Is(err, flow.ErrSessionNotFound) {
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			}
			continue
		}
		if sess.Terminal {
			continue
		}
		for _, cb := range r.callbacks {
			if err := cb(ctx, sess); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			}
		}
	}

	slog.Info("SessionRecovery: sessions recovered", "restored", n, "timedOut", timedOut, "errors", len(errs))
	return errors.Join(errs...)
}

// JobRecovery requeues jobs that were running when the process stopped.
type JobRecovery struct {
	runner *store.JobRunner
}

// NewJobRecovery creates a JobRecovery.
func NewJobRecovery(runner *store.JobRunner) *JobRecovery {
	return &JobRecovery{runner: runner}
}

func (r *JobRecovery) Name() string { return "jobs" }

func (r *JobRecovery) RecoverState(ctx context.Context) error {
	return r.runner.RecoverStaleJobs(ctx)
}
