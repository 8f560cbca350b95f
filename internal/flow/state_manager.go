package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

// StateManager reads and writes a session's state data without moving it. Values
// written here are visible to collaborators through Session.StateData.
type StateManager struct {
	registry *Registry
}

// NewStateManager creates a StateManager over registry.
func NewStateManager(registry *Registry) *StateManager {
	slog.Debug("Creating StateManager")
	return &StateManager{registry: registry}
}

// GetCurrentState returns the session's current state.
func (sm *StateManager) GetCurrentState(ctx context.Context, sessionID string) (models.State, error) {
	sess, err := sm.registry.Get(ctx, sessionID)
	if err != nil {
		slog.Debug("StateManager GetCurrentState error", "sessionID", sessionID, "error", err)
		return models.StateUnknown, err
	}
	return sess.CurrentState, nil
}

// GetStateData returns the value stored under key. A missing key yields "" and no error.
func (sm *StateManager) GetStateData(ctx context.Context, sessionID, key string) (string, error) {
	slog.Debug("StateManager GetStateData", "sessionID", sessionID, "key", key)

	sess, err := sm.registry.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	value, ok := sess.StateData[key]
	if !ok {
		slog.Debug("StateManager GetStateData key not found", "sessionID", sessionID, "key", key)
		return "", nil
	}
	return value, nil
}

// SetStateData merges values into the session's state data. Terminal sessions are
// read-only.
func (sm *StateManager) SetStateData(ctx context.Context, sessionID string, values map[string]string) (models.Session, error) {
	slog.Debug("StateManager SetStateData", "sessionID", sessionID, "keys", len(values))

	for k, v := range values {
		if k == "" {
			return models.Session{}, models.ErrEmptyDataKey
		}
		if len(v) > models.MaxStateDataValueLength {
			return models.Session{}, fmt.Errorf("%w: key %s", models.ErrDataValueTooLong, k)
		}
	}

	sess, err := sm.registry.Update(ctx, sessionID, func(s *models.Session) error {
		if s.Terminal {
			return ErrSessionTerminal
		}
		if s.StateData == nil {
			s.StateData = make(map[string]string, len(values))
		}
		for k, v := range values {
			s.StateData[k] = v
		}
		if len(s.StateData) > models.MaxStateDataEntries {
			return fmt.Errorf("%w: session would hold %d entries", models.ErrTooManyDataEntries, len(s.StateData))
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			slog.Error("StateManager SetStateData error", "sessionID", sessionID, "error", err)
		}
		return models.Session{}, err
	}

	slog.Debug("StateManager SetStateData succeeded", "sessionID", sessionID, "entries", len(sess.StateData))
	return sess, nil
}

// DeleteStateData removes key from the session's state data. Deleting a missing key
// is not an error.
func (sm *StateManager) DeleteStateData(ctx context.Context, sessionID, key string) error {
	_, err := sm.registry.Update(ctx, sessionID, func(s *models.Session) error {
		if s.Terminal {
			return ErrSessionTerminal
		}
		if _, ok := s.StateData[key]; !ok {
			return ErrSkipUpdate
		}
		delete(s.StateData, key)
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("StateManager DeleteStateData succeeded", "sessionID", sessionID, "key", key)
	return nil
}
