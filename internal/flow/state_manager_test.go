package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

func TestStateManagerStateData(t *testing.T) {
	env := newTestEnv(t)
	sm := NewStateManager(env.registry)
	ctx := context.Background()
	id := env.create(t, models.ContextFlags{})

	value, err := sm.GetStateData(ctx, id, "concept")
	require.NoError(t, err)
	assert.Empty(t, value)

	sess, err := sm.SetStateData(ctx, id, map[string]string{"concept": "a tired paladin"})
	require.NoError(t, err)
	assert.Equal(t, "a tired paladin", sess.StateData["concept"])
	assert.Equal(t, models.StateGreeting, sess.CurrentState, "writing data never moves the session")

	value, err = sm.GetStateData(ctx, id, "concept")
	require.NoError(t, err)
	assert.Equal(t, "a tired paladin", value)

	state, err := sm.GetCurrentState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateGreeting, state)

	require.NoError(t, sm.DeleteStateData(ctx, id, "concept"))
	require.NoError(t, sm.DeleteStateData(ctx, id, "concept"))
	value, err = sm.GetStateData(ctx, id, "concept")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestStateManagerLimits(t *testing.T) {
	env := newTestEnv(t)
	sm := NewStateManager(env.registry)
	ctx := context.Background()
	id := env.create(t, models.ContextFlags{})

	_, err := sm.SetStateData(ctx, id, map[string]string{"": "x"})
	assert.ErrorIs(t, err, models.ErrEmptyDataKey)

	_, err = sm.SetStateData(ctx, id, map[string]string{"big": strings.Repeat("x", models.MaxStateDataValueLength+1)})
	assert.ErrorIs(t, err, models.ErrDataValueTooLong)

	values := make(map[string]string, models.MaxStateDataEntries+1)
	for i := 0; i <= models.MaxStateDataEntries; i++ {
		values[strings.Repeat("k", i+1)] = "v"
	}
	_, err = sm.SetStateData(ctx, id, values)
	assert.ErrorIs(t, err, models.ErrTooManyDataEntries)

	_, err = sm.SetStateData(ctx, "missing", map[string]string{"a": "b"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStateManagerRejectsTerminalSessions(t *testing.T) {
	env := newTestEnv(t)
	sm := NewStateManager(env.registry)
	id := env.create(t, models.ContextFlags{})
	env.step(t, id, models.TriggerUserCancelRequest, models.StateCancelled)

	_, err := sm.SetStateData(context.Background(), id, map[string]string{"a": "b"})
	assert.ErrorIs(t, err, ErrSessionTerminal)
}
