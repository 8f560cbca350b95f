package workflow

import (
	"log/slog"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

// priorityTargets are resolved before the table, regardless of the current state.
var priorityTargets = map[models.Trigger]models.State{
	models.TriggerUserCancelRequest: models.StateCancelled,
	models.TriggerCriticalError:     models.StateError,
	models.TriggerSessionTimeout:    models.StateTimedOut,
}

// rule picks a next state, optionally looking at the session's context flags.
type rule func(flags models.ContextFlags) models.State

func always(s models.State) rule {
	return func(models.ContextFlags) models.State { return s }
}

type recKey struct {
	state   models.State
	trigger models.Trigger
}

// defaultRules is the advisory (state, trigger) table. A rule returning StateUnknown
// means "no recommendation".
var defaultRules = map[recKey]rule{
	{models.StateGreeting, models.TriggerUserInputReceived}: always(models.StateConceptGathering),
	{models.StateGreeting, models.TriggerUserConfirmed}:     always(models.StateConceptGathering),

	{models.StateConceptGathering, models.TriggerUserInputReceived}: func(f models.ContextFlags) models.State {
		switch {
		case f.CreationSpeed == models.SpeedQuick:
			return models.StateGeneratingOptions
		case f.ExperienceLevel == models.ExperienceBeginner:
			return models.StateConceptClarification
		default:
			return models.StateGeneratingOptions
		}
	},
	{models.StateConceptGathering, models.TriggerUserConfirmed}:         always(models.StateGeneratingOptions),
	{models.StateConceptClarification, models.TriggerUserInputReceived}: always(models.StateGeneratingOptions),
	{models.StateConceptClarification, models.TriggerUserConfirmed}:     always(models.StateGeneratingOptions),

	{models.StateGeneratingOptions, models.TriggerGenerationCompleted}: always(models.StatePresentingOptions),
	{models.StateGeneratingOptions, models.TriggerGenerationFailed}:    always(models.StateError),
	{models.StatePresentingOptions, models.TriggerPhaseCompleted}:      always(models.StateAwaitingSelection),

	{models.StateAwaitingSelection, models.TriggerUserSelectionMade}: func(f models.ContextFlags) models.State {
		if f.CreationSpeed == models.SpeedQuick {
			return models.StatePlanningProgression
		}
		return models.StateGatheringFeedback
	},
	{models.StateAwaitingSelection, models.TriggerUserInputReceived}:   always(models.StateGatheringFeedback),
	{models.StateAwaitingSelection, models.TriggerUserConfirmed}:       always(models.StatePlanningProgression),
	{models.StateAwaitingSelection, models.TriggerNavigationRequested}: always(models.StateGeneratingOptions),

	{models.StateGatheringFeedback, models.TriggerUserInputReceived}:   always(models.StateRefiningCharacter),
	{models.StateGatheringFeedback, models.TriggerUserConfirmed}:       always(models.StateFinalReview),
	{models.StateGatheringFeedback, models.TriggerNavigationRequested}: always(models.StateAwaitingSelection),

	{models.StateRefiningCharacter, models.TriggerGenerationCompleted}: always(models.StateValidatingBalance),
	{models.StateRefiningCharacter, models.TriggerGenerationFailed}:    always(models.StateError),
	{models.StateValidatingBalance, models.TriggerValidationPassed}:    always(models.StatePresentingRefinement),
	{models.StateValidatingBalance, models.TriggerValidationFailed}:    always(models.StateGatheringFeedback),

	{models.StatePresentingRefinement, models.TriggerUserConfirmed}: func(f models.ContextFlags) models.State {
		if f.TimeBoxed {
			return models.StateFinalReview
		}
		return models.StatePlanningProgression
	},
	{models.StatePresentingRefinement, models.TriggerUserInputReceived}:   always(models.StateGatheringFeedback),
	{models.StatePresentingRefinement, models.TriggerNavigationRequested}: always(models.StateFinalReview),

	{models.StatePlanningProgression, models.TriggerUserInputReceived}:   always(models.StateGeneratingProgression),
	{models.StatePlanningProgression, models.TriggerUserSelectionMade}:   always(models.StateGeneratingProgression),
	{models.StatePlanningProgression, models.TriggerUserConfirmed}:       always(models.StateGeneratingProgression),
	{models.StatePlanningProgression, models.TriggerNavigationRequested}: always(models.StateFinalReview),

	{models.StateGeneratingProgression, models.TriggerGenerationCompleted}: always(models.StateReviewingProgression),
	{models.StateGeneratingProgression, models.TriggerGenerationFailed}:    always(models.StateError),

	{models.StateReviewingProgression, models.TriggerUserConfirmed}:       always(models.StateFinalReview),
	{models.StateReviewingProgression, models.TriggerUserInputReceived}:   always(models.StatePlanningProgression),
	{models.StateReviewingProgression, models.TriggerNavigationRequested}: always(models.StatePlanningProgression),

	{models.StateFinalReview, models.TriggerUserConfirmed}:       always(models.StatePreparingExport),
	{models.StateFinalReview, models.TriggerUserInputReceived}:   always(models.StateGatheringFeedback),
	{models.StateFinalReview, models.TriggerNavigationRequested}: always(models.StateReviewingProgression),

	{models.StatePreparingExport, models.TriggerUserSelectionMade}:   always(models.StateExporting),
	{models.StatePreparingExport, models.TriggerUserConfirmed}:       always(models.StateExporting),
	{models.StatePreparingExport, models.TriggerNavigationRequested}: always(models.StateFinalReview),

	{models.StateExporting, models.TriggerExportCompleted}: always(models.StateCompleted),
	{models.StateExporting, models.TriggerExportFailed}:    always(models.StateError),

	{models.StateError, models.TriggerRetryRequested}:       always(models.StateGreeting),
	{models.StateTimedOut, models.TriggerRetryRequested}:    always(models.StateGreeting),
	{models.StateTimedOut, models.TriggerUserInputReceived}: always(models.StateGreeting),
}

// Recommender maps (state, trigger) to an advisory next state. Every suggestion is
// re-checked by the Validator before it is returned.
type Recommender struct {
	def       *Definition
	validator *Validator
	rules     map[recKey]rule
}

// NewRecommender returns a recommender over def using the default table.
func NewRecommender(def *Definition, validator *Validator) *Recommender {
	return &Recommender{def: def, validator: validator, rules: defaultRules}
}

// Recommend proposes the next state for trigger in state from. ok is false when the
// table has no entry or when its entry is not legal under the definition; the caller
// must then supply an explicit target.
func (r *Recommender) Recommend(from models.State, trigger models.Trigger, flags models.ContextFlags) (models.State, bool) {
	suggested, ok := priorityTargets[trigger]
	if !ok {
		pick, found := r.rules[recKey{from, trigger}]
		if !found {
			return models.StateUnknown, false
		}
		suggested = pick(flags)
	}
	if suggested == models.StateUnknown {
		return models.StateUnknown, false
	}

	if d := r.validator.Validate(from, suggested, trigger); !d.Allowed {
		slog.Debug("Recommender.Recommend: suggestion rejected by validator",
			"from", from, "trigger", trigger, "suggested", suggested, "reason", d.Rejection.Reason)
		return models.StateUnknown, false
	}
	return suggested, true
}
