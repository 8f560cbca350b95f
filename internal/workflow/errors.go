package workflow

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

var (
	// ErrInvalidDefinition is returned when a workflow definition fails build-time validation.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	// ErrUnknownState is returned when a state is not part of the definition.
	ErrUnknownState = errors.New("unknown state")
	// ErrUnknownTrigger is returned for trigger values outside the catalog.
	ErrUnknownTrigger = errors.New("unknown trigger")
)

// RejectionReason classifies why a trigger or transition was refused.
type RejectionReason string

// Rejection reasons.
const (
	ReasonInvalidTransition     RejectionReason = "invalid_transition"
	ReasonTerminalState         RejectionReason = "terminal_state"
	ReasonUnknownState          RejectionReason = "unknown_state"
	ReasonUnknownTrigger        RejectionReason = "unknown_trigger"
	ReasonUnexpectedInteraction RejectionReason = "unexpected_interaction"
	ReasonNoRecommendation      RejectionReason = "no_recommendation"
	ReasonStaleState            RejectionReason = "stale_state"
)

// Rejection describes a refused transition. The session it was evaluated against is
// left unchanged.
type Rejection struct {
	Reason  RejectionReason `json:"reason"`
	From    models.State    `json:"from"`
	To      models.State    `json:"to,omitempty"`
	Trigger models.Trigger  `json:"trigger"`
	Detail  string          `json:"detail,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
	}
	return string(r.Reason)
}
