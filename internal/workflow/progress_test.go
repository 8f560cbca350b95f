package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

func TestProgressValues(t *testing.T) {
	def := MustDefault()
	assert.Equal(t, 0.0, def.Progress(models.StateGreeting))
	assert.InDelta(t, 6.67, def.Progress(models.StateConceptGathering), 0.01)
	assert.InDelta(t, 13.33, def.Progress(models.StateConceptClarification), 0.01)
	assert.Equal(t, 20.0, def.Progress(models.StateGeneratingOptions))
	assert.Equal(t, 45.0, def.Progress(models.StateRefiningCharacter))
	assert.Equal(t, 80.0, def.Progress(models.StateFinalReview))
	assert.Equal(t, 100.0, def.Progress(models.StateCompleted))
	assert.Equal(t, 100.0, def.Progress(models.StateTimedOut), "completion phase is capped")
	assert.Equal(t, 0.0, def.Progress(models.StateUnknown))
}

func TestProgressMonotoneAlongForwardPath(t *testing.T) {
	def := MustDefault()
	v := NewValidator(def)
	path := []models.State{
		models.StateGreeting,
		models.StateConceptGathering,
		models.StateConceptClarification,
		models.StateGeneratingOptions,
		models.StatePresentingOptions,
		models.StateAwaitingSelection,
		models.StateGatheringFeedback,
		models.StateRefiningCharacter,
		models.StateValidatingBalance,
		models.StatePresentingRefinement,
		models.StatePlanningProgression,
		models.StateGeneratingProgression,
		models.StateReviewingProgression,
		models.StateFinalReview,
		models.StatePreparingExport,
		models.StateExporting,
		models.StateCompleted,
	}

	last := -1.0
	for i, s := range path {
		if i > 0 {
			assert.True(t, v.Validate(path[i-1], s, models.TriggerPhaseCompleted).Allowed, "%s -> %s", path[i-1], s)
		}
		p := def.Progress(s)
		assert.GreaterOrEqual(t, p, last, "progress must not decrease at %s", s)
		assert.LessOrEqual(t, p, 100.0)
		last = p
	}
}

func TestProgressMonotoneAcrossPhases(t *testing.T) {
	def := MustDefault()
	phases := models.AllPhases()
	for i := 1; i < len(phases); i++ {
		prev := def.PhaseStates(phases[i-1])
		cur := def.PhaseStates(phases[i])
		for _, a := range prev {
			for _, b := range cur {
				assert.LessOrEqual(t, def.Progress(a), def.Progress(b), "%s (%s) vs %s (%s)", a, phases[i-1], b, phases[i])
			}
		}
	}
}
