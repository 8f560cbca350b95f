package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/store"
	"github.com/BTreeMap/CharacterForge/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("sess-%d", n.Add(1)) }
}

type testEnv struct {
	clock    *fakeClock
	store    *store.InMemoryStore
	registry *Registry
	engine   *Engine
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := newFakeClock()
	st := store.NewInMemoryStore()
	def := workflow.MustDefault()
	reg := NewRegistry(def, st, WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
	e := NewEngine(def, reg, append([]Option{WithEngineClock(clock.Now)}, opts...)...)
	t.Cleanup(e.Close)
	return &testEnv{clock: clock, store: st, registry: reg, engine: e}
}

func (env *testEnv) create(t *testing.T, flags models.ContextFlags) string {
	t.Helper()
	snap, err := env.engine.CreateSession(context.Background(), flags)
	require.NoError(t, err)
	return snap.SessionID
}

// step submits trigger and requires it to land in want.
func (env *testEnv) step(t *testing.T, id string, trigger models.Trigger, want models.State) Result {
	t.Helper()
	res, err := env.engine.SubmitTrigger(context.Background(), id, trigger, Payload{})
	require.NoError(t, err)
	require.True(t, res.Accepted, "trigger %s rejected: %+v", trigger, res.Rejection)
	require.Equal(t, want, res.NewState)
	return res
}

// toAwaitingSelection drives a fresh session to awaiting-selection.
func (env *testEnv) toAwaitingSelection(t *testing.T, id string) {
	t.Helper()
	env.step(t, id, models.TriggerUserInputReceived, models.StateConceptGathering)
	env.step(t, id, models.TriggerUserConfirmed, models.StateGeneratingOptions)
	env.step(t, id, models.TriggerGenerationCompleted, models.StatePresentingOptions)
	env.step(t, id, models.TriggerPhaseCompleted, models.StateAwaitingSelection)
}

// failingStore fails every save after the first `allow` calls.
type failingStore struct {
	*store.InMemoryStore
	mu    sync.Mutex
	allow int
}

var errStoreDown = errors.New("store down")

func (s *failingStore) SaveSession(ctx context.Context, sess models.Session) error {
	s.mu.Lock()
	if s.allow <= 0 {
		s.mu.Unlock()
		return errStoreDown
	}
	s.allow--
	s.mu.Unlock()
	return s.InMemoryStore.SaveSession(ctx, sess)
}
