// Package flow runs character-creation sessions against the workflow definition.
//
// The Engine is the single entry point: every trigger, whether it comes from a user,
// a generation collaborator or the timeout monitor, goes through SubmitTrigger, is
// resolved to a target by the recommender (unless the caller names one), confirmed by
// the validator and committed atomically under the session's lock.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/BTreeMap/CharacterForge/internal/metrics"
	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/workflow"
)

// DefaultHookWorkers bounds concurrent state-entry hook executions.
const DefaultHookWorkers = 16

// Payload carries the optional parts of a trigger submission.
type Payload struct {
	// Target names the destination explicitly. Zero means "use the recommender".
	Target models.State
	// ExpectedState, when set, must equal the session's current state or the
	// trigger is rejected as stale.
	ExpectedState models.State
	// SubState replaces the session's sub-state when the transition commits.
	SubState models.SubState
	// Data is merged into the session's state data when the transition commits.
	Data map[string]string
}

// Result describes the outcome of a trigger. Business rejections are reported here,
// not as errors.
type Result struct {
	SessionID            string                   `json:"session_id"`
	Accepted             bool                     `json:"accepted"`
	Forced               bool                     `json:"forced,omitempty"`
	PreviousState        models.State             `json:"previous_state"`
	NewState             models.State             `json:"new_state"`
	Phase                models.Phase             `json:"phase"`
	Progress             float64                  `json:"progress"`
	Terminal             bool                     `json:"terminal"`
	ExpectedInteractions []models.InteractionType `json:"expected_interactions"`
	Rejection            *workflow.Rejection      `json:"rejection,omitempty"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID            string                   `json:"session_id"`
	State                models.State             `json:"state"`
	SubState             models.SubState          `json:"sub_state,omitempty"`
	Phase                models.Phase             `json:"phase"`
	Progress             float64                  `json:"progress"`
	History              []models.HistoryEntry    `json:"history"`
	Terminal             bool                     `json:"terminal"`
	ExpectedInteractions []models.InteractionType `json:"expected_interactions"`
	ContextFlags         models.ContextFlags      `json:"context_flags"`
	StateData            map[string]string        `json:"state_data,omitempty"`
	CreatedAt            time.Time                `json:"created_at"`
	LastTransitionAt     time.Time                `json:"last_transition_at"`
	// TimeoutAt is when the current state's timeout elapses, if it has one.
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
}

// Event is delivered to hooks after a transition commits.
type Event struct {
	SessionID string
	From      models.State
	To        models.State
	Trigger   models.Trigger
	Forced    bool
	Phase     models.Phase
	Session   models.Session
	At        time.Time
}

// Hook reacts to committed transitions. Hooks run on the engine's worker pool and
// must not assume they are the only observer of a session.
type Hook func(ctx context.Context, ev Event) error

type namedHook struct {
	name string
	fn   Hook
}

// Opts holds engine configuration.
type Opts struct {
	Metrics            *metrics.Metrics
	LazyTimeouts       bool
	SystemStateMaxWait time.Duration
	HookWorkers        int
	Clock              func() time.Time
}

// Option configures the Engine.
type Option func(*Opts)

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithLazyTimeouts enables the timeout check on every access to a session.
func WithLazyTimeouts(enabled bool) Option {
	return func(o *Opts) { o.LazyTimeouts = enabled }
}

// WithSystemStateMaxWait raises critical_error for sessions held in a system state
// longer than d. Zero disables the watchdog.
func WithSystemStateMaxWait(d time.Duration) Option {
	return func(o *Opts) { o.SystemStateMaxWait = d }
}

// WithHookWorkers sets the hook pool size.
func WithHookWorkers(n int) Option {
	return func(o *Opts) { o.HookWorkers = n }
}

// WithEngineClock overrides the engine's time source.
func WithEngineClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Engine applies triggers to sessions.
type Engine struct {
	def         *workflow.Definition
	validator   *workflow.Validator
	recommender *workflow.Recommender
	registry    *Registry
	metrics     *metrics.Metrics

	lazyTimeouts bool
	watchdog     time.Duration
	now          func() time.Time

	hooksMu sync.RWMutex
	hooks   []namedHook
	pool    pond.Pool

	// hookCtx outlives individual requests; it is cancelled by Close.
	hookCtx    context.Context
	hookCancel context.CancelFunc
	closeOnce  sync.Once
}

// NewEngine wires the validator and recommender for def around registry.
func NewEngine(def *workflow.Definition, registry *Registry, opts ...Option) *Engine {
	cfg := Opts{HookWorkers: DefaultHookWorkers, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HookWorkers <= 0 {
		cfg.HookWorkers = DefaultHookWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	validator := workflow.NewValidator(def)
	hookCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		def:          def,
		validator:    validator,
		recommender:  workflow.NewRecommender(def, validator),
		registry:     registry,
		metrics:      cfg.Metrics,
		lazyTimeouts: cfg.LazyTimeouts,
		watchdog:     cfg.SystemStateMaxWait,
		now:          cfg.Clock,
		pool:         pond.NewPool(cfg.HookWorkers),
		hookCtx:      hookCtx,
		hookCancel:   cancel,
	}
	slog.Debug("Engine.NewEngine: engine created", "lazyTimeouts", e.lazyTimeouts, "watchdog", e.watchdog, "hookWorkers", cfg.HookWorkers)
	return e
}

// Definition returns the workflow definition the engine runs.
func (e *Engine) Definition() *workflow.Definition { return e.def }

// Registry returns the engine's session registry.
func (e *Engine) Registry() *Registry { return e.registry }

// RegisterHook adds a state-entry hook.
func (e *Engine) RegisterHook(name string, h Hook) {
	e.hooksMu.Lock()
	e.hooks = append(e.hooks, namedHook{name: name, fn: h})
	e.hooksMu.Unlock()
	slog.Debug("Engine.RegisterHook", "hook", name)
}

// Close waits for in-flight hooks and stops the pool.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.pool.StopAndWait()
		e.hookCancel()
	})
}

// CreateSession starts a session at the initial state and notifies hooks.
func (e *Engine) CreateSession(ctx context.Context, flags models.ContextFlags) (Snapshot, error) {
	sess, err := e.registry.Create(ctx, flags)
	if err != nil {
		return Snapshot{}, err
	}
	e.metrics.SessionCreated()
	e.metrics.SessionMoved("", e.phaseName(sess.CurrentState))
	e.dispatch(Event{
		SessionID: sess.ID,
		To:        sess.CurrentState,
		Trigger:   models.TriggerUnknown,
		Phase:     e.phaseOf(sess.CurrentState),
		Session:   sess,
		At:        sess.CreatedAt,
	})
	return e.snapshot(sess), nil
}

// DeleteSession removes a session.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	sess, err := e.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.registry.Delete(ctx, id); err != nil {
		return err
	}
	if !sess.Terminal {
		e.metrics.SessionMoved(e.phaseName(sess.CurrentState), "")
	}
	return nil
}

// Restore reloads non-terminal sessions from the store.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	restored, err := e.registry.Restore(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range restored {
		e.metrics.SessionMoved("", e.phaseName(s.CurrentState))
	}
	return len(restored), nil
}

// Snapshot returns the session's current view. With lazy timeouts enabled an
// overdue session is moved first.
func (e *Engine) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	if e.lazyTimeouts {
		if _, _, err := e.CheckTimeout(ctx, id); err != nil {
			return Snapshot{}, err
		}
	}
	sess, err := e.registry.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(sess), nil
}

// SubmitTrigger applies trigger to the session. Only a missing session, an unknown
// trigger, an invalid payload or a storage failure are returned as errors.
func (e *Engine) SubmitTrigger(ctx context.Context, id string, trigger models.Trigger, p Payload) (Result, error) {
	if !trigger.Valid() {
		return Result{}, fmt.Errorf("%w: %s", workflow.ErrUnknownTrigger, trigger)
	}
	if err := validatePayload(p); err != nil {
		return Result{}, err
	}
	if e.lazyTimeouts && trigger != models.TriggerSessionTimeout {
		if _, _, err := e.CheckTimeout(ctx, id); err != nil {
			return Result{}, err
		}
	}
	res, _, err := e.apply(ctx, id, trigger, p, nil)
	return res, err
}

// guard runs under the session lock before a trigger is resolved. Returning false
// drops the trigger silently.
type guard func(s *models.Session, now time.Time) bool

func (e *Engine) apply(ctx context.Context, id string, trigger models.Trigger, p Payload, g guard) (Result, bool, error) {
	var (
		rejection *workflow.Rejection
		skipped   bool
		decision  workflow.Decision
		from      models.State
		now       = e.now().UTC()
	)

	sess, err := e.registry.Update(ctx, id, func(s *models.Session) error {
		from = s.CurrentState
		if g != nil && !g(s, now) {
			skipped = true
			return ErrSkipUpdate
		}
		if p.ExpectedState != models.StateUnknown && p.ExpectedState != from {
			rejection = &workflow.Rejection{
				Reason:  workflow.ReasonStaleState,
				From:    from,
				Trigger: trigger,
				Detail:  fmt.Sprintf("expected state %s, session is in %s", p.ExpectedState, from),
			}
			return ErrSkipUpdate
		}

		target, rej := e.resolveTarget(s, trigger, p)
		if rej != nil {
			rejection = rej
			return ErrSkipUpdate
		}

		decision = e.validator.Validate(from, target, trigger)
		if !decision.Allowed {
			rejection = decision.Rejection
			return ErrSkipUpdate
		}
		if trigger.IsUser() && !decision.Forced && !e.def.Accepts(from, trigger.Interaction()) {
			rejection = &workflow.Rejection{
				Reason:  workflow.ReasonUnexpectedInteraction,
				From:    from,
				To:      target,
				Trigger: trigger,
				Detail:  fmt.Sprintf("%s does not accept %s interactions", from, trigger.Interaction()),
			}
			return ErrSkipUpdate
		}

		s.RecordTransition(target, trigger, now)
		s.SubState = p.SubState
		if s.StateData == nil {
			s.StateData = map[string]string{}
		}
		maps.Copy(s.StateData, p.Data)
		if len(s.StateData) > models.MaxStateDataEntries {
			return fmt.Errorf("%w: session would hold %d entries", models.ErrTooManyDataEntries, len(s.StateData))
		}
		s.Terminal = e.def.IsTerminal(target)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			slog.Debug("Engine.SubmitTrigger: session not found", "sessionID", id, "trigger", trigger)
		} else {
			slog.Error("Engine.SubmitTrigger: update failed", "sessionID", id, "trigger", trigger, "error", err)
		}
		return Result{}, false, err
	}
	if skipped {
		return e.result(sess, from), false, nil
	}

	if rejection != nil {
		e.metrics.Rejection(from.String(), trigger.String(), string(rejection.Reason))
		slog.Info("Engine.SubmitTrigger: trigger rejected", "sessionID", id, "state", from, "trigger", trigger,
			"reason", rejection.Reason, "detail", rejection.Detail)
		res := e.result(sess, from)
		res.Rejection = rejection
		return res, false, nil
	}

	to := sess.CurrentState
	e.metrics.Transition(from.String(), to.String(), trigger.String())
	fromPhase, toPhase := e.phaseName(from), e.phaseName(to)
	if sess.Terminal {
		toPhase = ""
	}
	e.metrics.SessionMoved(fromPhase, toPhase)
	slog.Info("Engine.SubmitTrigger: transition committed", "sessionID", id, "from", from, "to", to,
		"trigger", trigger, "forced", decision.Forced)

	e.dispatch(Event{
		SessionID: id,
		From:      from,
		To:        to,
		Trigger:   trigger,
		Forced:    decision.Forced,
		Phase:     e.phaseOf(to),
		Session:   sess,
		At:        now,
	})

	res := e.result(sess, from)
	res.Accepted = true
	res.Forced = decision.Forced
	return res, true, nil
}

// resolveTarget picks the destination: escape hatches first, then an explicit
// target, then the recommender.
func (e *Engine) resolveTarget(s *models.Session, trigger models.Trigger, p Payload) (models.State, *workflow.Rejection) {
	if forced, ok := workflow.ForcedTarget(trigger); ok && p.Target == models.StateUnknown {
		return forced, nil
	}
	if p.Target != models.StateUnknown {
		return p.Target, nil
	}
	if e.def.IsTerminal(s.CurrentState) {
		return models.StateUnknown, &workflow.Rejection{
			Reason:  workflow.ReasonTerminalState,
			From:    s.CurrentState,
			Trigger: trigger,
			Detail:  fmt.Sprintf("%s is terminal", s.CurrentState),
		}
	}
	target, ok := e.recommender.Recommend(s.CurrentState, trigger, s.ContextFlags)
	if !ok {
		return models.StateUnknown, &workflow.Rejection{
			Reason:  workflow.ReasonNoRecommendation,
			From:    s.CurrentState,
			Trigger: trigger,
			Detail:  fmt.Sprintf("no recommended target for %s in %s; supply an explicit target", trigger, s.CurrentState),
		}
	}
	return target, nil
}

// dueKind reports whether s must be moved out of its state at now, and how.
func (e *Engine) dueKind(s *models.Session, now time.Time) (models.Trigger, bool) {
	if s.Terminal {
		return models.TriggerUnknown, false
	}
	elapsed := s.TimeInState(now)
	if d, ok := e.def.Timeout(s.CurrentState); ok {
		if elapsed >= d && e.def.Allows(s.CurrentState, models.StateTimedOut) {
			return models.TriggerSessionTimeout, true
		}
		return models.TriggerUnknown, false
	}
	// error and timed-out are untimed too; only states that can still fail are watched.
	if e.watchdog > 0 && e.def.IsSystem(s.CurrentState) && e.def.Allows(s.CurrentState, models.StateError) && elapsed >= e.watchdog {
		return models.TriggerCriticalError, true
	}
	return models.TriggerUnknown, false
}

// CheckTimeout moves the session to timed-out (or to error through the system-state
// watchdog) if it is overdue. moved reports whether a transition was committed.
func (e *Engine) CheckTimeout(ctx context.Context, id string) (Result, bool, error) {
	sess, err := e.registry.Get(ctx, id)
	if err != nil {
		return Result{}, false, err
	}
	trigger, due := e.dueKind(&sess, e.now())
	if !due {
		return e.result(sess, sess.CurrentState), false, nil
	}

	p := Payload{ExpectedState: sess.CurrentState}
	kind := "timeout"
	if trigger == models.TriggerCriticalError {
		p.SubState = models.SubStateWatchdog
		kind = "watchdog"
	}
	observed := sess.LastTransitionAt
	res, moved, err := e.apply(ctx, id, trigger, p, func(s *models.Session, now time.Time) bool {
		if !s.LastTransitionAt.Equal(observed) {
			return false
		}
		t, ok := e.dueKind(s, now)
		return ok && t == trigger
	})
	if err != nil {
		return Result{}, false, err
	}
	if moved {
		e.metrics.Timeout(sess.CurrentState.String(), kind)
		slog.Info("Engine.CheckTimeout: session moved", "sessionID", id, "state", sess.CurrentState, "kind", kind)
	}
	return res, moved, nil
}

func (e *Engine) dispatch(ev Event) {
	e.hooksMu.RLock()
	hooks := make([]namedHook, len(e.hooks))
	copy(hooks, e.hooks)
	e.hooksMu.RUnlock()

	for _, h := range hooks {
		h := h
		ev := ev
		ev.Session = *ev.Session.Clone()
		err := e.pool.Go(func() {
			start := time.Now()
			err := h.fn(e.hookCtx, ev)
			e.metrics.HookDone(h.name, time.Since(start), err)
			if err != nil {
				slog.Error("Engine.dispatch: hook failed", "hook", h.name, "sessionID", ev.SessionID, "state", ev.To, "error", err)
			}
		})
		if err != nil {
			slog.Warn("Engine.dispatch: hook pool stopped, dropping event", "hook", h.name, "sessionID", ev.SessionID, "error", err)
		}
	}
}

func (e *Engine) result(sess models.Session, previous models.State) Result {
	return Result{
		SessionID:            sess.ID,
		PreviousState:        previous,
		NewState:             sess.CurrentState,
		Phase:                e.phaseOf(sess.CurrentState),
		Progress:             e.def.Progress(sess.CurrentState),
		Terminal:             sess.Terminal,
		ExpectedInteractions: e.def.Expects(sess.CurrentState),
	}
}

func (e *Engine) snapshot(sess models.Session) Snapshot {
	snap := Snapshot{
		SessionID:            sess.ID,
		State:                sess.CurrentState,
		SubState:             sess.SubState,
		Phase:                e.phaseOf(sess.CurrentState),
		Progress:             e.def.Progress(sess.CurrentState),
		History:              sess.History,
		Terminal:             sess.Terminal,
		ExpectedInteractions: e.def.Expects(sess.CurrentState),
		ContextFlags:         sess.ContextFlags,
		StateData:            sess.StateData,
		CreatedAt:            sess.CreatedAt,
		LastTransitionAt:     sess.LastTransitionAt,
	}
	if d, ok := e.def.Timeout(sess.CurrentState); ok && !sess.Terminal {
		at := sess.LastTransitionAt.Add(d)
		snap.TimeoutAt = &at
	}
	return snap
}

func (e *Engine) phaseOf(s models.State) models.Phase {
	p, err := e.def.Phase(s)
	if err != nil {
		return models.PhaseUnknown
	}
	return p
}

func (e *Engine) phaseName(s models.State) string {
	p := e.phaseOf(s)
	if p == models.PhaseUnknown {
		return ""
	}
	return p.String()
}

func validatePayload(p Payload) error {
	if len(p.SubState) > models.MaxSubStateLength {
		return models.ErrSubStateTooLong
	}
	if len(p.Data) > models.MaxStateDataEntries {
		return models.ErrTooManyDataEntries
	}
	for k, v := range p.Data {
		if k == "" {
			return models.ErrEmptyDataKey
		}
		if len(v) > models.MaxStateDataValueLength {
			return models.ErrDataValueTooLong
		}
	}
	if p.Target != models.StateUnknown && !p.Target.Valid() {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownState, p.Target)
	}
	if p.ExpectedState != models.StateUnknown && !p.ExpectedState.Valid() {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownState, p.ExpectedState)
	}
	return nil
}
