// Package workflow holds the immutable character creation workflow: the state catalog,
// the transition table, phase membership, per-state timeouts and expected interactions,
// plus the pure functions that read it (transition validation, trigger recommendation and
// progress accounting).
//
// A *Definition is built once at startup and shared by every goroutine without locking.
package workflow

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

// StateSpec describes one state of the workflow.
type StateSpec struct {
	State   models.State
	Phase   models.Phase
	Targets []models.State
	// Timeout is the longest a session may stay in the state. Zero marks a
	// system-driven state that may be held indefinitely.
	Timeout time.Duration
	Expects []models.InteractionType
}

type stateInfo struct {
	phase   models.Phase
	index   int
	targets []models.State
	allowed map[models.State]struct{}
	timeout time.Duration
	expects []models.InteractionType
}

// Definition is the validated, read-only workflow. Accessors return copies.
type Definition struct {
	initial     models.State
	states      map[models.State]*stateInfo
	order       []models.State
	phaseStates map[models.Phase][]models.State
	warnings    []string
}

// Option configures how a Definition is built.
type Option func(*buildOpts)

type buildOpts struct {
	strict   bool
	timeouts map[models.State]time.Duration
}

// WithStrict promotes build warnings to errors.
func WithStrict(strict bool) Option {
	return func(o *buildOpts) { o.strict = strict }
}

// WithTimeout overrides the timeout of a single state. Zero turns it into a system state.
func WithTimeout(s models.State, d time.Duration) Option {
	return func(o *buildOpts) {
		if o.timeouts == nil {
			o.timeouts = make(map[models.State]time.Duration)
		}
		o.timeouts[s] = d
	}
}

// NewDefinition builds the default character creation workflow.
func NewDefinition(opts ...Option) (*Definition, error) {
	return Build(DefaultStates(), opts...)
}

// MustDefault builds the default workflow and panics on failure. Intended for tests and
// package-level fixtures where the catalog is known to be valid.
func MustDefault() *Definition {
	def, err := NewDefinition()
	if err != nil {
		panic(fmt.Sprintf("default workflow definition is invalid: %v", err))
	}
	return def
}

// Build validates specs and returns the resulting Definition. Any structural problem is
// reported as an error wrapping ErrInvalidDefinition.
func Build(specs []StateSpec, opts ...Option) (*Definition, error) {
	var cfg buildOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	def := &Definition{
		initial:     models.StateGreeting,
		states:      make(map[models.State]*stateInfo, len(specs)),
		phaseStates: make(map[models.Phase][]models.State),
	}

	var problems []string
	for _, spec := range specs {
		if !spec.State.Valid() {
			problems = append(problems, fmt.Sprintf("state %s is not in the catalog", spec.State))
			continue
		}
		if _, dup := def.states[spec.State]; dup {
			problems = append(problems, fmt.Sprintf("state %s is defined twice", spec.State))
			continue
		}
		if !spec.Phase.Valid() {
			problems = append(problems, fmt.Sprintf("state %s has no phase", spec.State))
			continue
		}
		info := &stateInfo{
			phase:   spec.Phase,
			index:   len(def.phaseStates[spec.Phase]),
			targets: slices.Clone(spec.Targets),
			allowed: make(map[models.State]struct{}, len(spec.Targets)),
			timeout: spec.Timeout,
			expects: slices.Clone(spec.Expects),
		}
		for _, t := range spec.Targets {
			info.allowed[t] = struct{}{}
		}
		def.states[spec.State] = info
		def.order = append(def.order, spec.State)
		def.phaseStates[spec.Phase] = append(def.phaseStates[spec.Phase], spec.State)
	}

	for s, d := range cfg.timeouts {
		info, ok := def.states[s]
		if !ok {
			problems = append(problems, fmt.Sprintf("timeout override for undefined state %s", s))
			continue
		}
		if d < 0 {
			problems = append(problems, fmt.Sprintf("timeout override for %s is negative", s))
			continue
		}
		info.timeout = d
	}

	problems = append(problems, def.checkReferences()...)
	if len(problems) == 0 {
		problems = append(problems, def.checkSystemCycles()...)
		problems = append(problems, def.checkTerminalReachable()...)
		def.warnings = def.collectWarnings()
	}

	if cfg.strict {
		problems = append(problems, def.warnings...)
	}
	if len(problems) > 0 {
		slog.Error("workflow.Build: invalid definition", "problems", problems)
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}

	for _, w := range def.warnings {
		slog.Warn("workflow.Build: definition warning", "warning", w)
	}
	slog.Debug("workflow.Build: definition ready", "states", len(def.order), "initial", def.initial)
	return def, nil
}

// requiredStates are referenced directly by the validator and the recommender.
var requiredStates = []models.State{models.StateCancelled, models.StateError, models.StateTimedOut}

func (d *Definition) checkReferences() []string {
	var problems []string
	if _, ok := d.states[d.initial]; !ok {
		problems = append(problems, fmt.Sprintf("initial state %s is not defined", d.initial))
	}
	for _, s := range requiredStates {
		if _, ok := d.states[s]; !ok {
			problems = append(problems, fmt.Sprintf("required state %s is not defined", s))
		}
	}
	for _, s := range d.order {
		for _, t := range d.states[s].targets {
			if _, ok := d.states[t]; !ok {
				problems = append(problems, fmt.Sprintf("state %s targets unknown state %s", s, t))
			}
		}
	}
	return problems
}

// checkSystemCycles rejects cycles made only of untimed, non-terminal states. Nothing
// but a collaborator could move such a session and nothing bounds how long it waits.
func (d *Definition) checkSystemCycles() []string {
	const (
		white = iota
		gray
		black
	)
	isSystem := func(s models.State) bool {
		info := d.states[s]
		return info.timeout == 0 && len(info.targets) > 0
	}

	color := make(map[models.State]int, len(d.order))
	var problems []string
	var visit func(s models.State, path []models.State)
	visit = func(s models.State, path []models.State) {
		color[s] = gray
		path = append(path, s)
		for _, t := range d.states[s].targets {
			if !isSystem(t) {
				continue
			}
			switch color[t] {
			case gray:
				start := slices.Index(path, t)
				problems = append(problems, fmt.Sprintf("untimed system states form a cycle: %s", joinStates(append(slices.Clone(path[start:]), t))))
			case white:
				visit(t, path)
			}
		}
		color[s] = black
	}
	for _, s := range d.order {
		if isSystem(s) && color[s] == white {
			visit(s, nil)
		}
	}
	return problems
}

// checkTerminalReachable requires every non-terminal state to have a path to a terminal one.
func (d *Definition) checkTerminalReachable() []string {
	canFinish := make(map[models.State]bool, len(d.order))
	for _, s := range d.order {
		if len(d.states[s].targets) == 0 {
			canFinish[s] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, s := range d.order {
			if canFinish[s] {
				continue
			}
			for _, t := range d.states[s].targets {
				if canFinish[t] {
					canFinish[s] = true
					changed = true
					break
				}
			}
		}
	}
	var problems []string
	for _, s := range d.order {
		if !canFinish[s] {
			problems = append(problems, fmt.Sprintf("state %s cannot reach a terminal state", s))
		}
	}
	return problems
}

func (d *Definition) collectWarnings() []string {
	var warnings []string
	for _, s := range d.order {
		info := d.states[s]
		if info.timeout > 0 {
			if _, ok := info.allowed[models.StateTimedOut]; !ok {
				warnings = append(warnings, fmt.Sprintf("state %s has a timeout but cannot move to %s; its session_timeout triggers will be rejected", s, models.StateTimedOut))
			}
		}
	}

	reached := map[models.State]bool{d.initial: true}
	queue := []models.State{d.initial}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, t := range d.states[s].targets {
			if !reached[t] {
				reached[t] = true
				queue = append(queue, t)
			}
		}
	}
	for _, s := range d.order {
		if !reached[s] {
			warnings = append(warnings, fmt.Sprintf("state %s is unreachable from %s", s, d.initial))
		}
	}
	return warnings
}

func joinStates(states []models.State) string {
	return strings.Join(stateNames(states), " -> ")
}

func listStates(states []models.State) string {
	return strings.Join(stateNames(states), ", ")
}

func stateNames(states []models.State) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return names
}

// InitialState returns the state new sessions start in.
func (d *Definition) InitialState() models.State { return d.initial }

// States returns every defined state in definition order.
func (d *Definition) States() []models.State { return slices.Clone(d.order) }

// Has reports whether s is part of this definition.
func (d *Definition) Has(s models.State) bool {
	_, ok := d.states[s]
	return ok
}

// Phase returns the phase of s.
func (d *Definition) Phase(s models.State) (models.Phase, error) {
	info, err := d.info(s)
	if err != nil {
		return models.PhaseUnknown, err
	}
	return info.phase, nil
}

// AllowedTargets returns the states s may move to, in definition order.
func (d *Definition) AllowedTargets(s models.State) ([]models.State, error) {
	info, err := d.info(s)
	if err != nil {
		return nil, err
	}
	return slices.Clone(info.targets), nil
}

// Allows reports whether from -> to is enumerated in the transition table.
func (d *Definition) Allows(from, to models.State) bool {
	info, ok := d.states[from]
	if !ok {
		return false
	}
	_, ok = info.allowed[to]
	return ok
}

// Timeout returns the configured timeout of s. ok is false for untimed states.
func (d *Definition) Timeout(s models.State) (time.Duration, bool) {
	info, ok := d.states[s]
	if !ok || info.timeout == 0 {
		return 0, false
	}
	return info.timeout, true
}

// Expects returns the interaction kinds s accepts.
func (d *Definition) Expects(s models.State) []models.InteractionType {
	info, ok := d.states[s]
	if !ok {
		return nil
	}
	return slices.Clone(info.expects)
}

// Accepts reports whether s accepts the given interaction kind.
func (d *Definition) Accepts(s models.State, i models.InteractionType) bool {
	info, ok := d.states[s]
	if !ok {
		return false
	}
	return slices.Contains(info.expects, i)
}

// IsTerminal reports whether s has no outgoing transitions.
func (d *Definition) IsTerminal(s models.State) bool {
	info, ok := d.states[s]
	return ok && len(info.targets) == 0
}

// IsSystem reports whether s is an untimed, non-terminal state driven by collaborators.
func (d *Definition) IsSystem(s models.State) bool {
	info, ok := d.states[s]
	return ok && info.timeout == 0 && len(info.targets) > 0
}

// PhaseStates returns the ordered states of phase p.
func (d *Definition) PhaseStates(p models.Phase) []models.State {
	return slices.Clone(d.phaseStates[p])
}

// Warnings returns the non-fatal findings recorded while building.
func (d *Definition) Warnings() []string { return slices.Clone(d.warnings) }

func (d *Definition) info(s models.State) (*stateInfo, error) {
	info, ok := d.states[s]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownState, s)
	}
	return info, nil
}

// StateView is the exported, serializable description of one state.
type StateView struct {
	State          models.State             `json:"state"`
	Phase          models.Phase             `json:"phase"`
	AllowedTargets []models.State           `json:"allowed_targets"`
	TimeoutMinutes float64                  `json:"timeout_minutes,omitempty"`
	Expects        []models.InteractionType `json:"expected_interactions"`
	Terminal       bool                     `json:"terminal"`
	System         bool                     `json:"system"`
}

// Describe returns a serializable view of the whole definition.
func (d *Definition) Describe() []StateView {
	views := make([]StateView, 0, len(d.order))
	for _, s := range d.order {
		info := d.states[s]
		views = append(views, StateView{
			State:          s,
			Phase:          info.phase,
			AllowedTargets: slices.Clone(info.targets),
			TimeoutMinutes: info.timeout.Minutes(),
			Expects:        slices.Clone(info.expects),
			Terminal:       len(info.targets) == 0,
			System:         d.IsSystem(s),
		})
	}
	return views
}
