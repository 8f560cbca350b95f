package workflow

import (
	"fmt"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

// forcedTargets are the only transitions allowed outside the table: a critical error
// always routes to error and a user cancel always routes to cancelled.
var forcedTargets = map[models.Trigger]models.State{
	models.TriggerCriticalError:     models.StateError,
	models.TriggerUserCancelRequest: models.StateCancelled,
}

// Decision is the outcome of validating one transition.
type Decision struct {
	Allowed bool
	// Forced is set when the transition was accepted through an escape hatch, whether
	// or not the table also lists it.
	Forced    bool
	Rejection *Rejection
}

// Validator accepts or rejects transitions against a Definition.
type Validator struct {
	def *Definition
}

// NewValidator returns a validator bound to def.
func NewValidator(def *Definition) *Validator {
	return &Validator{def: def}
}

// Validate decides whether from -> to is legal for the given trigger. It never mutates
// anything; committing an accepted transition is the caller's job.
func (v *Validator) Validate(from, to models.State, trigger models.Trigger) Decision {
	reject := func(reason RejectionReason, detail string) Decision {
		return Decision{Rejection: &Rejection{Reason: reason, From: from, To: to, Trigger: trigger, Detail: detail}}
	}

	if !trigger.Valid() {
		return reject(ReasonUnknownTrigger, fmt.Sprintf("trigger %s is not in the catalog", trigger))
	}
	if !v.def.Has(from) {
		return reject(ReasonUnknownState, fmt.Sprintf("current state %s is not defined", from))
	}
	if !v.def.Has(to) {
		return reject(ReasonUnknownState, fmt.Sprintf("target state %s is not defined", to))
	}
	if v.def.IsTerminal(from) {
		return reject(ReasonTerminalState, fmt.Sprintf("%s is terminal", from))
	}

	if forced, ok := forcedTargets[trigger]; ok && forced == to && from != to {
		return Decision{Allowed: true, Forced: true}
	}

	if !v.def.Allows(from, to) {
		targets, _ := v.def.AllowedTargets(from)
		return reject(ReasonInvalidTransition, fmt.Sprintf("%s is not an allowed target of %s (allowed: %s)", to, from, listStates(targets)))
	}
	return Decision{Allowed: true}
}

// ForcedTarget returns the escape hatch destination of trigger, if it has one.
func ForcedTarget(trigger models.Trigger) (models.State, bool) {
	s, ok := forcedTargets[trigger]
	return s, ok
}
