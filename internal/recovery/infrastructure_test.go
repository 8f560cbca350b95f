package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CharacterForge/internal/flow"
	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/store"
	"github.com/BTreeMap/CharacterForge/internal/workflow"
)

func seed(t *testing.T, st store.Store, id string, state models.State, enteredAt time.Time, terminal bool) {
	t.Helper()
	sess := models.NewSession(id, state, models.ContextFlags{}, enteredAt)
	sess.Terminal = terminal
	if err := st.SaveSession(context.Background(), *sess); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func newEngine(t *testing.T, st store.Store) *flow.Engine {
	t.Helper()
	def := workflow.MustDefault()
	e := flow.NewEngine(def, flow.NewRegistry(def, st))
	t.Cleanup(e.Close)
	return e
}

func TestSessionRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	seed(t, st, "overdue", models.StateAwaitingSelection, now.Add(-time.Hour), false)
	seed(t, st, "waiting", models.StateGeneratingOptions, now.Add(-time.Hour), false)
	seed(t, st, "fresh", models.StateConceptGathering, now, false)
	seed(t, st, "finished", models.StateCompleted, now.Add(-time.Hour), true)

	engine := newEngine(t, st)
	var resumed []string
	rec := NewSessionRecovery(engine, func(_ context.Context, sess models.Session) error {
		resumed = append(resumed, sess.ID)
		return nil
	})
	if err := rec.RecoverState(context.Background()); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}

	snap, err := engine.Snapshot(context.Background(), "overdue")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != models.StateTimedOut {
		t.Errorf("overdue session should be timed out, got %s", snap.State)
	}

	want := map[string]bool{"fresh": true, "waiting": true}
	if len(resumed) != len(want) {
		t.Fatalf("expected callbacks for %v, got %v", want, resumed)
	}
	for _, id := range resumed {
		if !want[id] {
			t.Errorf("unexpected callback for %s", id)
		}
	}

	ids := engine.Registry().IDs()
	for _, id := range ids {
		if id == "finished" {
			t.Error("terminal sessions must not be restored into memory")
		}
	}
}

func TestSessionRecoveryCallbackErrors(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "a", models.StateGeneratingOptions, time.Now(), false)
	seed(t, st, "b", models.StateRefiningCharacter, time.Now(), false)

	boom := errors.New("enqueue failed")
	rec := NewSessionRecovery(newEngine(t, st), func(context.Context, models.Session) error { return boom })
	err := rec.RecoverState(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined callback errors, got %v", err)
	}
}

func TestJobRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	id, err := st.EnqueueJob(ctx, "k", time.Now().Add(-time.Hour), "{}", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimDueJobs(ctx, time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatal(err)
	}

	rec := NewJobRecovery(store.NewJobRunner(st, time.Second))
	if rec.Name() != "jobs" {
		t.Errorf("unexpected name %s", rec.Name())
	}
	if err := rec.RecoverState(ctx); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	job, err := st.GetJob(ctx, id)
	if err != nil || job == nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobStatusQueued {
		t.Errorf("stale running job should be requeued, got %s", job.Status)
	}
}
