// Package models defines the per-conversation session record.
package models

import (
	"fmt"
	"maps"
	"time"
)

// ExperienceLevel describes how familiar the user is with character creation.
type ExperienceLevel string

// Experience levels.
const (
	ExperienceBeginner     ExperienceLevel = "beginner"
	ExperienceIntermediate ExperienceLevel = "intermediate"
	ExperienceExpert       ExperienceLevel = "expert"
)

// CreationSpeed is the user's preferred pace.
type CreationSpeed string

// Creation speeds.
const (
	SpeedQuick    CreationSpeed = "quick"
	SpeedStandard CreationSpeed = "standard"
	SpeedDetailed CreationSpeed = "detailed"
)

// ContextFlags are read by the trigger recommender, never by the transition validator.
type ContextFlags struct {
	ExperienceLevel  ExperienceLevel `json:"experience_level,omitempty"`
	CreationSpeed    CreationSpeed   `json:"creation_speed,omitempty"`
	ComplexityTarget int             `json:"complexity_target,omitempty"` // 1 (simple) .. 5 (intricate)
	TimeBoxed        bool            `json:"time_boxed"`
}

// Validate checks the flag values supplied by a client.
func (f ContextFlags) Validate() error {
	switch f.ExperienceLevel {
	case "", ExperienceBeginner, ExperienceIntermediate, ExperienceExpert:
	default:
		return fmt.Errorf("invalid experience_level %q", f.ExperienceLevel)
	}
	switch f.CreationSpeed {
	case "", SpeedQuick, SpeedStandard, SpeedDetailed:
	default:
		return fmt.Errorf("invalid creation_speed %q", f.CreationSpeed)
	}
	if f.ComplexityTarget < 0 || f.ComplexityTarget > 5 {
		return fmt.Errorf("complexity_target must be between 0 and 5, got %d", f.ComplexityTarget)
	}
	return nil
}

// HistoryEntry records that the session entered State because of Trigger.
type HistoryEntry struct {
	State     State     `json:"state"`
	Trigger   Trigger   `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the mutable per-conversation record.
type Session struct {
	ID               string            `json:"session_id"`
	CurrentState     State             `json:"current_state"`
	SubState         SubState          `json:"sub_state,omitempty"`
	History          []HistoryEntry    `json:"history"`
	CreatedAt        time.Time         `json:"created_at"`
	LastTransitionAt time.Time         `json:"last_transition_at"`
	ContextFlags     ContextFlags      `json:"context_flags"`
	StateData        map[string]string `json:"state_data,omitempty"` // Opaque collaborator payloads
	Terminal         bool              `json:"terminal"`
}

// NewSession creates a session positioned at the initial state.
func NewSession(id string, initial State, flags ContextFlags, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		ID:               id,
		CurrentState:     initial,
		History:          []HistoryEntry{{State: initial, Trigger: TriggerUnknown, Timestamp: now}},
		CreatedAt:        now,
		LastTransitionAt: now,
		ContextFlags:     flags,
		StateData:        map[string]string{},
	}
}

// RecordTransition moves the session to state and appends a history entry.
func (s *Session) RecordTransition(to State, trigger Trigger, ts time.Time) {
	ts = ts.UTC()
	s.History = append(s.History, HistoryEntry{State: to, Trigger: trigger, Timestamp: ts})
	s.CurrentState = to
	s.LastTransitionAt = ts
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	if s.History != nil {
		c.History = make([]HistoryEntry, len(s.History))
		copy(c.History, s.History)
	}
	if s.StateData != nil {
		c.StateData = make(map[string]string, len(s.StateData))
		maps.Copy(c.StateData, s.StateData)
	}
	return &c
}

// TimeInState returns how long the session has been in its current state.
func (s *Session) TimeInState(now time.Time) time.Duration {
	return now.Sub(s.LastTransitionAt)
}
