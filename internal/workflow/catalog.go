package workflow

import (
	"time"

	m "github.com/BTreeMap/CharacterForge/internal/models"
)

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

func targets(s ...m.State) []m.State { return s }

func expects(i ...m.InteractionType) []m.InteractionType { return i }

// DefaultStates returns the character creation catalog. Within one phase the slice order
// is the position used for progress accounting.
func DefaultStates() []StateSpec {
	return []StateSpec{
		// initialization
		{
			State:   m.StateGreeting,
			Phase:   m.PhaseInitialization,
			Targets: targets(m.StateConceptGathering, m.StateCancelled, m.StateError),
			Timeout: minutes(10),
			Expects: expects(m.InteractionFreeText, m.InteractionConfirmation, m.InteractionCancel),
		},
		{
			State:   m.StateConceptGathering,
			Phase:   m.PhaseInitialization,
			Targets: targets(m.StateConceptClarification, m.StateGeneratingOptions, m.StateCancelled, m.StateError, m.StateTimedOut),
			Timeout: minutes(15),
			Expects: expects(m.InteractionFreeText, m.InteractionCancel),
		},
		{
			State:   m.StateConceptClarification,
			Phase:   m.PhaseInitialization,
			Targets: targets(m.StateConceptGathering, m.StateGeneratingOptions, m.StateCancelled, m.StateError, m.StateTimedOut),
			Timeout: minutes(15),
			Expects: expects(m.InteractionFreeText, m.InteractionConfirmation, m.InteractionCancel),
		},

		// generation
		{
			State:   m.StateGeneratingOptions,
			Phase:   m.PhaseGeneration,
			Targets: targets(m.StatePresentingOptions, m.StateError, m.StateCancelled),
			Expects: expects(m.InteractionCancel),
		},
		{
			State:   m.StatePresentingOptions,
			Phase:   m.PhaseGeneration,
			Targets: targets(m.StateAwaitingSelection, m.StateError, m.StateCancelled),
			Expects: expects(m.InteractionCancel),
		},
		{
			State:   m.StateAwaitingSelection,
			Phase:   m.PhaseGeneration,
			Targets: targets(m.StateGatheringFeedback, m.StatePlanningProgression, m.StateGeneratingOptions, m.StateCancelled, m.StateError, m.StateTimedOut),
			Timeout: minutes(15),
			Expects: expects(m.InteractionSelection, m.InteractionFreeText, m.InteractionNavigation, m.InteractionCancel),
		},

		// iteration
		{
			State:   m.StateGatheringFeedback,
			Phase:   m.PhaseIteration,
			Targets: targets(m.StateRefiningCharacter, m.StateAwaitingSelection, m.StateFinalReview, m.StateCancelled, m.StateError, m.StateTimedOut),
			Timeout: minutes(15),
			Expects: expects(m.InteractionFreeText, m.InteractionConfirmation, m.InteractionNavigation, m.InteractionCancel),
		},
		{
			State:   m.StateRefiningCharacter,
			Phase:   m.PhaseIteration,
			Targets: targets(m.StateValidatingBalance, m.StateError, m.StateCancelled),
			Expects: expects(m.InteractionCancel),
		},
		{
			State:   m.StateValidatingBalance,
			Phase:   m.PhaseIteration,
			Targets: targets(m.StatePresentingRefinement, m.StateGatheringFeedback, m.StateError, m.StateCancelled),
			Expects: expects(m.InteractionCancel),
		},
		{
			State:   m.StatePresentingRefinement,
			Phase:   m.PhaseIteration,
			Targets: targets(m.StateGatheringFeedback, m.StatePlanningProgression, m.StateFinalReview, m.StateCancelled, m.StateError, m.StateTimedOut),
			Timeout: minutes(20),
			Expects: expects(m.InteractionConfirmation, m.InteractionFreeText, m.InteractionNavigation, m.InteractionCancel),
		},

		// progression
		{
			State:   m.StatePlanningProgression,
			Phase:   m.PhaseProgression,
			Targets: targets(m.StateGeneratingProgression, m.StateFinalReview, m.StateCancelled, m.StateError, m.StateTimedOut),
			Timeout: minutes(15),
			Expects: expects(m.InteractionFreeText, m.InteractionSelection, m.InteractionConfirmation, m.InteractionNavigation, m.InteractionCancel),
		},
		{
			State:   m.StateGeneratingProgression,
			Phase:   m.PhaseProgression,
			Targets: targets(m.StateReviewingProgression, m.StateError, m.StateCancelled),
			Expects: expects(m.InteractionCancel),
		},
		{
			State:   m.StateReviewingProgression,
			Phase:   m.PhaseProgression,
			Targets: targets(m.StatePlanningProgression, m.StateFinalReview, m.StateCancelled, m.StateError, m.StateTimedOut),
			Timeout: minutes(20),
			Expects: expects(m.InteractionConfirmation, m.InteractionFreeText, m.InteractionNavigation, m.InteractionCancel),
		},

		// finalization
		{
			State:   m.StateFinalReview,
			Phase:   m.PhaseFinalization,
			Targets: targets(m.StatePreparingExport, m.StateGatheringFeedback, m.StateReviewingProgression, m.StateCancelled, m.StateError),
			Timeout: minutes(30),
			Expects: expects(m.InteractionConfirmation, m.InteractionFreeText, m.InteractionNavigation, m.InteractionCancel),
		},
		{
			State:   m.StatePreparingExport,
			Phase:   m.PhaseFinalization,
			Targets: targets(m.StateExporting, m.StateFinalReview, m.StateCancelled, m.StateError, m.StateTimedOut),
			Timeout: minutes(10),
			Expects: expects(m.InteractionSelection, m.InteractionConfirmation, m.InteractionNavigation, m.InteractionCancel),
		},
		{
			State:   m.StateExporting,
			Phase:   m.PhaseFinalization,
			Targets: targets(m.StateCompleted, m.StateError),
		},

		// completion
		{State: m.StateCompleted, Phase: m.PhaseCompletion},
		{State: m.StateCancelled, Phase: m.PhaseCompletion},
		{
			State:   m.StateError,
			Phase:   m.PhaseCompletion,
			Targets: targets(m.StateGreeting, m.StateCancelled),
			Expects: expects(m.InteractionRetry, m.InteractionCancel),
		},
		{
			State:   m.StateTimedOut,
			Phase:   m.PhaseCompletion,
			Targets: targets(m.StateGreeting, m.StateCancelled),
			Expects: expects(m.InteractionRetry, m.InteractionFreeText, m.InteractionCancel),
		},
	}
}
