package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/store"
	"github.com/BTreeMap/CharacterForge/internal/workflow"
)

func newTestRegistry(t *testing.T, st store.Store) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewRegistry(workflow.MustDefault(), st, WithClock(clock.Now), WithIDGenerator(sequentialIDs())), clock
}

func TestRegistryCreateAndGet(t *testing.T) {
	st := store.NewInMemoryStore()
	reg, clock := newTestRegistry(t, st)
	ctx := context.Background()

	sess, err := reg.Create(ctx, models.ContextFlags{CreationSpeed: models.SpeedQuick})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, models.StateGreeting, sess.CurrentState)
	assert.Equal(t, clock.Now(), sess.CreatedAt)
	require.Len(t, sess.History, 1)

	got, err := reg.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StateGreeting, stored.CurrentState)
}

func TestRegistryCreateRejectsInvalidFlags(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	_, err := reg.Create(context.Background(), models.ContextFlags{ComplexityTarget: 9})
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryCreateRollsBackOnStoreFailure(t *testing.T) {
	reg, _ := newTestRegistry(t, &failingStore{InMemoryStore: store.NewInMemoryStore()})
	_, err := reg.Create(context.Background(), models.ContextFlags{})
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, 0, reg.Len())

	_, err = reg.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryGetUnknown(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	_, err := reg.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	sess, err := reg.Create(ctx, models.ContextFlags{})
	require.NoError(t, err)

	got, err := reg.Get(ctx, sess.ID)
	require.NoError(t, err)
	got.StateData["leak"] = "x"
	got.History[0].State = models.StateExporting

	again, err := reg.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, again.StateData)
	assert.Equal(t, models.StateGreeting, again.History[0].State)
}

func TestRegistryUpdate(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)
	ctx := context.Background()
	sess, err := reg.Create(ctx, models.ContextFlags{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	updated, err := reg.Update(ctx, sess.ID, func(s *models.Session) error {
		s.RecordTransition(models.StateConceptGathering, models.TriggerUserInputReceived, clock.Now())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateConceptGathering, updated.CurrentState)
	assert.Len(t, updated.History, 2)
}

func TestRegistryUpdateMutatorErrorLeavesSessionUnchanged(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)
	ctx := context.Background()
	sess, err := reg.Create(ctx, models.ContextFlags{})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = reg.Update(ctx, sess.ID, func(s *models.Session) error {
		s.RecordTransition(models.StateConceptGathering, models.TriggerUserInputReceived, clock.Now())
		return boom
	})
	require.ErrorIs(t, err, boom)

	unchanged, err := reg.Update(ctx, sess.ID, func(s *models.Session) error {
		s.CurrentState = models.StateExporting
		return ErrSkipUpdate
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateGreeting, unchanged.CurrentState)

	got, err := reg.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)
}

func TestRegistryUpdateStoreFailureKeepsPreviousValue(t *testing.T) {
	reg, clock := newTestRegistry(t, &failingStore{InMemoryStore: store.NewInMemoryStore(), allow: 1})
	ctx := context.Background()
	sess, err := reg.Create(ctx, models.ContextFlags{})
	require.NoError(t, err)

	_, err = reg.Update(ctx, sess.ID, func(s *models.Session) error {
		s.RecordTransition(models.StateConceptGathering, models.TriggerUserInputReceived, clock.Now())
		return nil
	})
	require.ErrorIs(t, err, errStoreDown)

	got, err := reg.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateGreeting, got.CurrentState)
}

func TestRegistryDelete(t *testing.T) {
	st := store.NewInMemoryStore()
	reg, _ := newTestRegistry(t, st)
	ctx := context.Background()
	sess, err := reg.Create(ctx, models.ContextFlags{})
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, sess.ID))
	assert.ErrorIs(t, reg.Delete(ctx, sess.ID), ErrSessionNotFound)
	_, err = reg.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRegistryEvictReloadsFromStore(t *testing.T) {
	reg, _ := newTestRegistry(t, store.NewInMemoryStore())
	ctx := context.Background()
	sess, err := reg.Create(ctx, models.ContextFlags{})
	require.NoError(t, err)

	reg.Evict(sess.ID)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.IDs())

	got, err := reg.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, []string{sess.ID}, reg.IDs())
}

func TestRegistryRestore(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	active := models.NewSession("active", models.StateAwaitingSelection, models.ContextFlags{}, now)
	done := models.NewSession("done", models.StateCompleted, models.ContextFlags{}, now)
	done.Terminal = true
	require.NoError(t, st.SaveSession(ctx, *active))
	require.NoError(t, st.SaveSession(ctx, *done))

	reg, _ := newTestRegistry(t, st)
	restored, err := reg.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, "active", restored[0].ID)
	assert.Equal(t, []string{"active"}, reg.IDs())

	again, err := reg.Restore(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "already held sessions are not restored twice")
}

func TestRegistryDifferentSessionsDoNotContend(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	a, err := reg.Create(ctx, models.ContextFlags{})
	require.NoError(t, err)
	b, err := reg.Create(ctx, models.ContextFlags{})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = reg.Update(ctx, a.ID, func(*models.Session) error {
			close(entered)
			<-release
			return ErrSkipUpdate
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_, _ = reg.Get(ctx, b.ID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reading one session blocked on another session's lock")
	}
	close(release)
	wg.Wait()
}
