package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CharacterForge/internal/flow"
	"github.com/BTreeMap/CharacterForge/internal/metrics"
	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/store"
)

// JobKind is the durable job kind used for collaborator work.
const JobKind = "charforge.generation"

// Generator produces text for a prompt. *Client implements it.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// task describes the collaborator's work for one system state.
type task struct {
	system string
	// resultKey is the state-data key the reply is stored under.
	resultKey string
	success   models.Trigger
	failure   models.Trigger
	// verdict turns the reply into the trigger to submit. Nil means success.
	verdict func(reply string) (models.Trigger, error)
}

var tasks = map[models.State]task{
	models.StateGeneratingOptions: {
		system: "You are a character designer for tabletop role-playing games. " +
			"Propose three distinct character options that fit the user's concept. " +
			"Answer with a JSON array of objects with the fields name, archetype and summary.",
		resultKey: "options",
		success:   models.TriggerGenerationCompleted,
		failure:   models.TriggerGenerationFailed,
	},
	models.StateRefiningCharacter: {
		system: "You are a character designer. Revise the selected character using the user's feedback. " +
			"Answer with the full revised character sheet in Markdown.",
		resultKey: "character",
		success:   models.TriggerGenerationCompleted,
		failure:   models.TriggerGenerationFailed,
	},
	models.StateValidatingBalance: {
		system: "You are a game balance reviewer. Judge whether the character sheet is balanced for its level. " +
			`Answer only with JSON of the form {"balanced": true|false, "notes": "..."}.`,
		resultKey: "balance_report",
		success:   models.TriggerValidationPassed,
		failure:   models.TriggerCriticalError,
		verdict:   balanceVerdict,
	},
	models.StateGeneratingProgression: {
		system: "You are a campaign planner. Write a level-by-level progression plan for the character " +
			"that follows the user's progression preferences. Answer in Markdown.",
		resultKey: "progression",
		success:   models.TriggerGenerationCompleted,
		failure:   models.TriggerGenerationFailed,
	},
}

// HandlesState reports whether the collaborator does work in state s.
func HandlesState(s models.State) bool {
	_, ok := tasks[s]
	return ok
}

// jobPayload identifies one visit of a session to a system state.
type jobPayload struct {
	SessionID string       `json:"session_id"`
	State     models.State `json:"state"`
	// Visit is the history length when the state was entered.
	Visit int `json:"visit"`
}

// Collaborator runs generation for sessions that enter a system state and reports the
// outcome back to the engine as a trigger.
type Collaborator struct {
	gen     Generator
	engine  *flow.Engine
	runner  *store.JobRunner
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCollaborator creates a collaborator. m may be nil.
func NewCollaborator(gen Generator, engine *flow.Engine, runner *store.JobRunner, m *metrics.Metrics) *Collaborator {
	return &Collaborator{gen: gen, engine: engine, runner: runner, metrics: m, now: time.Now}
}

// Register installs the state-entry hook on the engine and the job handler on the runner.
func (c *Collaborator) Register() {
	c.engine.RegisterHook("genai", c.OnEnter)
	c.runner.RegisterHandler(JobKind, c.handle, c.exhausted)
}

// OnEnter enqueues a job when a session enters a state the collaborator handles.
func (c *Collaborator) OnEnter(ctx context.Context, ev flow.Event) error {
	if !HandlesState(ev.To) {
		return nil
	}
	return c.enqueue(ctx, ev.Session)
}

// Resume enqueues work for a session already waiting in a handled state, e.g. after a
// restart. Jobs that are still queued are deduplicated.
func (c *Collaborator) Resume(ctx context.Context, sess models.Session) error {
	if !HandlesState(sess.CurrentState) || sess.Terminal {
		return nil
	}
	return c.enqueue(ctx, sess)
}

func (c *Collaborator) enqueue(ctx context.Context, sess models.Session) error {
	p := jobPayload{SessionID: sess.ID, State: sess.CurrentState, Visit: len(sess.History)}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}
	dedupe := fmt.Sprintf("%s:%s:%d", p.SessionID, p.State, p.Visit)
	id, err := c.runner.Enqueue(ctx, JobKind, c.now(), string(data), dedupe)
	if err != nil {
		return fmt.Errorf("failed to enqueue generation job: %w", err)
	}
	slog.Debug("Collaborator.enqueue: job queued", "jobID", id, "sessionID", p.SessionID, "state", p.State)
	return nil
}

func (c *Collaborator) handle(ctx context.Context, payload string) error {
	var p jobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		// Retrying cannot fix a corrupt payload.
		slog.Error("Collaborator.handle: invalid job payload", "error", err)
		return nil
	}
	t, ok := tasks[p.State]
	if !ok {
		slog.Warn("Collaborator.handle: state has no task", "state", p.State)
		return nil
	}

	snap, err := c.engine.Snapshot(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, flow.ErrSessionNotFound) {
			slog.Debug("Collaborator.handle: session gone, dropping job", "sessionID", p.SessionID)
			return nil
		}
		return err
	}
	if !p.current(snap) {
		slog.Debug("Collaborator.handle: session moved on, dropping job", "sessionID", p.SessionID, "jobState", p.State, "state", snap.State)
		return nil
	}

	reply, err := c.gen.Generate(ctx, t.system, buildUserPrompt(snap))
	c.metrics.Generation(p.State.String(), err)
	if err != nil {
		return err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return errors.New("empty generation result")
	}

	trigger := t.success
	if t.verdict != nil {
		if trigger, err = t.verdict(reply); err != nil {
			return err
		}
	}
	return c.report(ctx, p, trigger, map[string]string{t.resultKey: truncate(reply)})
}

func (c *Collaborator) exhausted(ctx context.Context, payload string, lastErr error) {
	var p jobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return
	}
	t, ok := tasks[p.State]
	if !ok {
		return
	}
	msg := "generation failed"
	if lastErr != nil {
		msg = truncate(lastErr.Error())
	}
	if err := c.report(ctx, p, t.failure, map[string]string{"generation_error": msg}); err != nil {
		slog.Error("Collaborator.exhausted: failed to report failure", "sessionID", p.SessionID, "error", err)
	}
}

// report submits trigger guarded by the state the job was created for. Losing the race
// to a user action or a timeout is not an error.
func (c *Collaborator) report(ctx context.Context, p jobPayload, trigger models.Trigger, data map[string]string) error {
	res, err := c.engine.SubmitTrigger(ctx, p.SessionID, trigger, flow.Payload{
		ExpectedState: p.State,
		Data:          data,
	})
	if err != nil {
		if errors.Is(err, flow.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if !res.Accepted {
		slog.Info("Collaborator.report: result not applied", "sessionID", p.SessionID, "trigger", trigger, "reason", res.Rejection.Reason)
		return nil
	}
	slog.Info("Collaborator.report: result applied", "sessionID", p.SessionID, "trigger", trigger, "state", res.NewState)
	return nil
}

func (p jobPayload) current(snap flow.Snapshot) bool {
	return snap.State == p.State && len(snap.History) == p.Visit && !snap.Terminal
}

func buildUserPrompt(snap flow.Snapshot) string {
	var b strings.Builder
	flags := snap.ContextFlags
	fmt.Fprintf(&b, "Experience level: %s\n", orDefault(string(flags.ExperienceLevel), "unspecified"))
	fmt.Fprintf(&b, "Creation speed: %s\n", orDefault(string(flags.CreationSpeed), "standard"))
	if flags.ComplexityTarget > 0 {
		fmt.Fprintf(&b, "Complexity (1-5): %d\n", flags.ComplexityTarget)
	}

	keys := make([]string, 0, len(snap.StateData))
	for k := range snap.StateData {
		if k == "generation_error" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\nSession notes:\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "## %s\n%s\n\n", k, snap.StateData[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

type balanceReport struct {
	Balanced *bool  `json:"balanced"`
	Notes    string `json:"notes"`
}

func balanceVerdict(reply string) (models.Trigger, error) {
	reply = strings.TrimPrefix(strings.TrimSuffix(reply, "```"), "```json")
	var r balanceReport
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &r); err != nil {
		return models.TriggerUnknown, fmt.Errorf("unparseable balance report: %w", err)
	}
	if r.Balanced == nil {
		return models.TriggerUnknown, errors.New("balance report lacks a verdict")
	}
	if *r.Balanced {
		return models.TriggerValidationPassed, nil
	}
	return models.TriggerValidationFailed, nil
}

// truncate cuts s to the state data value limit on a rune boundary.
func truncate(s string) string {
	n := models.MaxStateDataValueLength
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
