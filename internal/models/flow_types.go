// Package models defines the closed catalogs (states, phases, triggers, interactions)
// and the session record shared by the workflow, flow, store and api packages.
package models

import "fmt"

// State is one named stage of the character creation workflow.
type State uint8

// State catalog. The order inside each phase block is significant: it is the
// position used by progress accounting.
const (
	StateUnknown State = iota

	// initialization
	StateGreeting
	StateConceptGathering
	StateConceptClarification

	// generation
	StateGeneratingOptions
	StatePresentingOptions
	StateAwaitingSelection

	// iteration
	StateGatheringFeedback
	StateRefiningCharacter
	StateValidatingBalance
	StatePresentingRefinement

	// progression
	StatePlanningProgression
	StateGeneratingProgression
	StateReviewingProgression

	// finalization
	StateFinalReview
	StatePreparingExport
	StateExporting

	// completion
	StateCompleted
	StateCancelled
	StateError
	StateTimedOut

	stateSentinel
)

var stateNames = [...]string{
	StateUnknown:               "unknown",
	StateGreeting:              "greeting",
	StateConceptGathering:      "concept-gathering",
	StateConceptClarification:  "concept-clarification",
	StateGeneratingOptions:     "generating-options",
	StatePresentingOptions:     "presenting-options",
	StateAwaitingSelection:     "awaiting-selection",
	StateGatheringFeedback:     "gathering-feedback",
	StateRefiningCharacter:     "refining-character",
	StateValidatingBalance:     "validating-balance",
	StatePresentingRefinement:  "presenting-refinement",
	StatePlanningProgression:   "planning-progression",
	StateGeneratingProgression: "generating-progression",
	StateReviewingProgression:  "reviewing-progression",
	StateFinalReview:           "final-review",
	StatePreparingExport:       "preparing-export",
	StateExporting:             "exporting",
	StateCompleted:             "completed",
	StateCancelled:             "cancelled",
	StateError:                 "error",
	StateTimedOut:              "timed-out",
}

// AllStates returns every catalog state in declaration order.
func AllStates() []State {
	out := make([]State, 0, int(stateSentinel)-1)
	for s := StateGreeting; s < stateSentinel; s++ {
		out = append(out, s)
	}
	return out
}

// Valid reports whether s is a member of the catalog.
func (s State) Valid() bool {
	return s > StateUnknown && s < stateSentinel
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseState resolves a state name. It returns StateUnknown and false for names
// outside the catalog.
func ParseState(name string) (State, bool) {
	for s := StateGreeting; s < stateSentinel; s++ {
		if stateNames[s] == name {
			return s, true
		}
	}
	return StateUnknown, false
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The empty string decodes to StateUnknown.
func (s *State) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = StateUnknown
		return nil
	}
	v, ok := ParseState(string(b))
	if !ok {
		return fmt.Errorf("unknown state %q", string(b))
	}
	*s = v
	return nil
}

// Phase groups states into ordered stages used for progress and UI purposes.
type Phase uint8

// Phases in workflow order.
const (
	PhaseUnknown Phase = iota
	PhaseInitialization
	PhaseGeneration
	PhaseIteration
	PhaseProgression
	PhaseFinalization
	PhaseCompletion

	phaseSentinel
)

var phaseNames = [...]string{
	PhaseUnknown:        "unknown",
	PhaseInitialization: "initialization",
	PhaseGeneration:     "generation",
	PhaseIteration:      "iteration",
	PhaseProgression:    "progression",
	PhaseFinalization:   "finalization",
	PhaseCompletion:     "completion",
}

// AllPhases returns the phases in workflow order.
func AllPhases() []Phase {
	out := make([]Phase, 0, int(phaseSentinel)-1)
	for p := PhaseInitialization; p < phaseSentinel; p++ {
		out = append(out, p)
	}
	return out
}

// Valid reports whether p is a member of the catalog.
func (p Phase) Valid() bool {
	return p > PhaseUnknown && p < phaseSentinel
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	for v := PhaseUnknown; v < phaseSentinel; v++ {
		if phaseNames[v] == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

// InteractionType is a kind of user input a state may accept.
type InteractionType uint8

// Interaction kinds.
const (
	InteractionUnknown InteractionType = iota
	InteractionFreeText
	InteractionSelection
	InteractionConfirmation
	InteractionNavigation
	InteractionCancel
	InteractionRetry

	interactionSentinel
)

var interactionNames = [...]string{
	InteractionUnknown:      "unknown",
	InteractionFreeText:     "free_text",
	InteractionSelection:    "selection",
	InteractionConfirmation: "confirmation",
	InteractionNavigation:   "navigation",
	InteractionCancel:       "cancel",
	InteractionRetry:        "retry",
}

func (i InteractionType) String() string {
	if int(i) < len(interactionNames) {
		return interactionNames[i]
	}
	return fmt.Sprintf("interaction(%d)", uint8(i))
}

// MarshalText implements encoding.TextMarshaler.
func (i InteractionType) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *InteractionType) UnmarshalText(b []byte) error {
	for v := InteractionUnknown; v < interactionSentinel; v++ {
		if interactionNames[v] == string(b) {
			*i = v
			return nil
		}
	}
	return fmt.Errorf("unknown interaction %q", string(b))
}

// Trigger is an event kind a session can receive.
type Trigger uint8

// Trigger catalog. User triggers come first and each maps to one interaction kind.
const (
	TriggerUnknown Trigger = iota

	TriggerUserInputReceived
	TriggerUserSelectionMade
	TriggerUserConfirmed
	TriggerUserCancelRequest
	TriggerNavigationRequested
	TriggerRetryRequested

	TriggerGenerationCompleted
	TriggerGenerationFailed
	TriggerValidationPassed
	TriggerValidationFailed
	TriggerExportCompleted
	TriggerExportFailed
	TriggerSessionTimeout
	TriggerInactivityDetected
	TriggerPhaseCompleted
	TriggerCriticalError

	triggerSentinel
)

var triggerNames = [...]string{
	TriggerUnknown:             "unknown",
	TriggerUserInputReceived:   "user_input_received",
	TriggerUserSelectionMade:   "user_selection_made",
	TriggerUserConfirmed:       "user_confirmed",
	TriggerUserCancelRequest:   "user_cancel_request",
	TriggerNavigationRequested: "navigation_requested",
	TriggerRetryRequested:      "retry_requested",
	TriggerGenerationCompleted: "generation_completed",
	TriggerGenerationFailed:    "generation_failed",
	TriggerValidationPassed:    "validation_passed",
	TriggerValidationFailed:    "validation_failed",
	TriggerExportCompleted:     "export_completed",
	TriggerExportFailed:        "export_failed",
	TriggerSessionTimeout:      "session_timeout",
	TriggerInactivityDetected:  "inactivity_detected",
	TriggerPhaseCompleted:      "phase_completed",
	TriggerCriticalError:       "critical_error",
}

var triggerInteractions = map[Trigger]InteractionType{
	TriggerUserInputReceived:   InteractionFreeText,
	TriggerUserSelectionMade:   InteractionSelection,
	TriggerUserConfirmed:       InteractionConfirmation,
	TriggerUserCancelRequest:   InteractionCancel,
	TriggerNavigationRequested: InteractionNavigation,
	TriggerRetryRequested:      InteractionRetry,
}

// AllTriggers returns every catalog trigger in declaration order.
func AllTriggers() []Trigger {
	out := make([]Trigger, 0, int(triggerSentinel)-1)
	for t := TriggerUserInputReceived; t < triggerSentinel; t++ {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t is a member of the catalog.
func (t Trigger) Valid() bool {
	return t > TriggerUnknown && t < triggerSentinel
}

// IsUser reports whether the trigger originates from user input.
func (t Trigger) IsUser() bool {
	_, ok := triggerInteractions[t]
	return ok
}

// Interaction returns the interaction kind carried by a user trigger.
// System triggers return InteractionUnknown.
func (t Trigger) Interaction() InteractionType {
	return triggerInteractions[t]
}

func (t Trigger) String() string {
	if int(t) < len(triggerNames) {
		return triggerNames[t]
	}
	return fmt.Sprintf("trigger(%d)", uint8(t))
}

// ParseTrigger resolves a trigger name.
func ParseTrigger(name string) (Trigger, bool) {
	for t := TriggerUserInputReceived; t < triggerSentinel; t++ {
		if triggerNames[t] == name {
			return t, true
		}
	}
	return TriggerUnknown, false
}

// MarshalText implements encoding.TextMarshaler.
func (t Trigger) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. "unknown" decodes to TriggerUnknown,
// which is what history uses for the creation entry.
func (t *Trigger) UnmarshalText(b []byte) error {
	if len(b) == 0 || string(b) == triggerNames[TriggerUnknown] {
		*t = TriggerUnknown
		return nil
	}
	v, ok := ParseTrigger(string(b))
	if !ok {
		return fmt.Errorf("unknown trigger %q", string(b))
	}
	*t = v
	return nil
}

// SubState is an optional display marker inside a state. It never affects legality.
type SubState string

// Sub-states set by the engine itself.
const (
	SubStateNone     SubState = ""
	SubStateWatchdog SubState = "watchdog"
	SubStateResumed  SubState = "resumed"
)
