package workflow

import (
	"math"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

// phaseSpan is the share of the 0-100 scale each phase covers.
const phaseSpan = 20.0

var phaseBase = map[models.Phase]float64{
	models.PhaseInitialization: 0,
	models.PhaseGeneration:     20,
	models.PhaseIteration:      40,
	models.PhaseProgression:    60,
	models.PhaseFinalization:   80,
	models.PhaseCompletion:     100,
}

// Progress estimates completion for a session sitting in s:
// base(phase) + index*(20/n), capped at 100. Undefined states report 0.
func (d *Definition) Progress(s models.State) float64 {
	info, ok := d.states[s]
	if !ok {
		return 0
	}
	n := len(d.phaseStates[info.phase])
	p := phaseBase[info.phase] + float64(info.index)*(phaseSpan/float64(n))
	return math.Min(p, 100)
}
