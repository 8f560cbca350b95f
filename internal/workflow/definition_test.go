package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

func TestDefaultDefinitionCoversCatalog(t *testing.T) {
	def := MustDefault()
	assert.ElementsMatch(t, models.AllStates(), def.States())
	assert.Equal(t, models.StateGreeting, def.InitialState())

	for _, s := range def.States() {
		p, err := def.Phase(s)
		require.NoError(t, err)
		assert.True(t, p.Valid(), "state %s has a phase", s)
	}
}

func TestTerminalIffNoTargets(t *testing.T) {
	def := MustDefault()
	for _, s := range def.States() {
		targets, err := def.AllowedTargets(s)
		require.NoError(t, err)
		assert.Equal(t, len(targets) == 0, def.IsTerminal(s), "state %s", s)
	}
	assert.True(t, def.IsTerminal(models.StateCompleted))
	assert.True(t, def.IsTerminal(models.StateCancelled))
	assert.False(t, def.IsTerminal(models.StateError))
	assert.False(t, def.IsTerminal(models.StateTimedOut))
}

func TestRecoveryStatesAreBounded(t *testing.T) {
	def := MustDefault()
	for _, s := range []models.State{models.StateError, models.StateTimedOut} {
		targets, err := def.AllowedTargets(s)
		require.NoError(t, err)
		assert.ElementsMatch(t, []models.State{models.StateGreeting, models.StateCancelled}, targets)
	}
}

func TestSummaryTableMatches(t *testing.T) {
	def := MustDefault()
	cases := []struct {
		state   models.State
		targets []models.State
		timeout time.Duration
	}{
		{models.StateGreeting, []models.State{models.StateConceptGathering, models.StateCancelled, models.StateError}, 10 * time.Minute},
		{models.StateConceptGathering, []models.State{models.StateConceptClarification, models.StateGeneratingOptions, models.StateCancelled, models.StateError, models.StateTimedOut}, 15 * time.Minute},
		{models.StateGeneratingOptions, []models.State{models.StatePresentingOptions, models.StateError, models.StateCancelled}, 0},
		{models.StateAwaitingSelection, []models.State{models.StateGatheringFeedback, models.StatePlanningProgression, models.StateGeneratingOptions, models.StateCancelled, models.StateError, models.StateTimedOut}, 15 * time.Minute},
		{models.StateFinalReview, []models.State{models.StatePreparingExport, models.StateGatheringFeedback, models.StateReviewingProgression, models.StateCancelled, models.StateError}, 30 * time.Minute},
		{models.StateExporting, []models.State{models.StateCompleted, models.StateError}, 0},
		{models.StateCompleted, nil, 0},
		{models.StateError, []models.State{models.StateGreeting, models.StateCancelled}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			targets, err := def.AllowedTargets(tc.state)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.targets, targets)
			d, ok := def.Timeout(tc.state)
			assert.Equal(t, tc.timeout, d)
			assert.Equal(t, tc.timeout > 0, ok)
		})
	}
}

func TestDefaultWarnings(t *testing.T) {
	def := MustDefault()
	warnings := def.Warnings()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "greeting")
	assert.Contains(t, warnings[1], "final-review")

	_, err := NewDefinition(WithStrict(true))
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestBuildRejectsMalformedDefinitions(t *testing.T) {
	withSpec := func(mutate func([]StateSpec) []StateSpec) []StateSpec {
		return mutate(DefaultStates())
	}
	indexOf := func(specs []StateSpec, s models.State) int {
		for i, spec := range specs {
			if spec.State == s {
				return i
			}
		}
		t.Fatalf("state %s not in specs", s)
		return -1
	}

	cases := []struct {
		name   string
		specs  []StateSpec
		opts   []Option
		expect string
	}{
		{
			name: "missing phase",
			specs: withSpec(func(s []StateSpec) []StateSpec {
				s[indexOf(s, models.StateExporting)].Phase = models.PhaseUnknown
				return s
			}),
			expect: "has no phase",
		},
		{
			name: "dangling target",
			specs: withSpec(func(s []StateSpec) []StateSpec {
				i := indexOf(s, models.StateCompleted)
				return append(s[:i], s[i+1:]...)
			}),
			expect: "targets unknown state completed",
		},
		{
			name: "untimed system cycle",
			specs: withSpec(func(s []StateSpec) []StateSpec {
				i := indexOf(s, models.StatePresentingOptions)
				s[i].Targets = append(s[i].Targets, models.StateGeneratingOptions)
				return s
			}),
			expect: "untimed system states form a cycle",
		},
		{
			name: "unreachable terminal",
			specs: withSpec(func(s []StateSpec) []StateSpec {
				i := indexOf(s, models.StateExporting)
				s[i].Targets = []models.State{models.StateExporting}
				s[i].Timeout = time.Minute
				return s
			}),
			expect: "exporting cannot reach a terminal state",
		},
		{
			name: "duplicate state",
			specs: withSpec(func(s []StateSpec) []StateSpec {
				return append(s, StateSpec{State: models.StateGreeting, Phase: models.PhaseInitialization})
			}),
			expect: "defined twice",
		},
		{
			name: "missing greeting",
			specs: withSpec(func(s []StateSpec) []StateSpec {
				i := indexOf(s, models.StateGreeting)
				return append(s[:i], s[i+1:]...)
			}),
			expect: "initial state greeting is not defined",
		},
		{
			name:   "override for undefined state",
			specs:  DefaultStates(),
			opts:   []Option{WithTimeout(models.StateUnknown, time.Minute)},
			expect: "timeout override for undefined state",
		},
		{
			name:   "override creates system cycle",
			specs:  withSpec(func(s []StateSpec) []StateSpec { return s }),
			opts:   []Option{WithTimeout(models.StateAwaitingSelection, 0)},
			expect: "untimed system states form a cycle",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def, err := Build(tc.specs, tc.opts...)
			require.Error(t, err)
			assert.Nil(t, def)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tc.expect)
		})
	}
}

func TestTimeoutOverride(t *testing.T) {
	def, err := NewDefinition(WithTimeout(models.StateFinalReview, 45*time.Minute))
	require.NoError(t, err)
	d, ok := def.Timeout(models.StateFinalReview)
	assert.True(t, ok)
	assert.Equal(t, 45*time.Minute, d)
}

func TestExpectsAndSystemClassification(t *testing.T) {
	def := MustDefault()
	assert.True(t, def.Accepts(models.StateAwaitingSelection, models.InteractionSelection))
	assert.False(t, def.Accepts(models.StateGreeting, models.InteractionSelection))
	assert.Empty(t, def.Expects(models.StateExporting))

	assert.True(t, def.IsSystem(models.StateGeneratingOptions))
	assert.True(t, def.IsSystem(models.StateExporting))
	assert.False(t, def.IsSystem(models.StateGreeting))
	assert.False(t, def.IsSystem(models.StateCompleted))
}

func TestDescribe(t *testing.T) {
	views := MustDefault().Describe()
	require.Len(t, views, 20)
	assert.Equal(t, models.StateGreeting, views[0].State)
	assert.Equal(t, 10.0, views[0].TimeoutMinutes)
	assert.False(t, views[0].System)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
strict: false
timeouts:
  final-review: 45m
system_state_max_wait: 30m
sweep_interval: 15s
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.SystemStateMaxWait)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)

	opts, err := cfg.Options()
	require.NoError(t, err)
	def, err := NewDefinition(opts...)
	require.NoError(t, err)
	d, _ := def.Timeout(models.StateFinalReview)
	assert.Equal(t, 45*time.Minute, d)

	_, err = ParseConfig([]byte("bogus_field: 1\n"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	cfg, err = ParseConfig([]byte("timeouts:\n  nowhere: 1m\n"))
	require.NoError(t, err)
	_, err = cfg.Options()
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	cfg, err = ParseConfig(nil)
	require.NoError(t, err)
	assert.False(t, cfg.Strict)
}
