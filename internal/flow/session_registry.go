package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CharacterForge/internal/models"
	"github.com/BTreeMap/CharacterForge/internal/store"
	"github.com/BTreeMap/CharacterForge/internal/workflow"
)

var (
	// ErrSessionNotFound is returned for ids that were never created or were deleted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSkipUpdate may be returned by a Mutator to leave the session unchanged
	// without reporting an error.
	ErrSkipUpdate = errors.New("skip update")

	// ErrSessionTerminal is returned when state data is written to a finished session.
	ErrSessionTerminal = errors.New("session is terminal")
)

// Mutator edits a private copy of a session. The copy replaces the stored session
// only when the mutator returns nil and the write-through save succeeds.
type Mutator func(s *models.Session) error

type entry struct {
	mu      sync.Mutex
	session *models.Session
	deleted bool
}

// Registry holds live sessions in memory and writes every change through to a
// store.Store. Each session has its own lock; the map lock is held only for lookups.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	def   *workflow.Definition
	store store.Store
	now   func() time.Time
	newID func() string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry creates a registry backed by st. A nil st keeps sessions in memory only.
func NewRegistry(def *workflow.Definition, st store.Store, opts ...RegistryOption) *Registry {
	if st == nil {
		st = store.NewInMemoryStore()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		def:     def,
		store:   st,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a new session at the initial state.
func (r *Registry) Create(ctx context.Context, flags models.ContextFlags) (models.Session, error) {
	if err := flags.Validate(); err != nil {
		return models.Session{}, err
	}
	sess := models.NewSession(r.newID(), r.def.InitialState(), flags, r.now())

	e := &entry{session: sess}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.entries[sess.ID]; exists {
		r.mu.Unlock()
		return models.Session{}, fmt.Errorf("session id collision: %s", sess.ID)
	}
	r.entries[sess.ID] = e
	r.mu.Unlock()

	if err := r.store.SaveSession(ctx, *sess); err != nil {
		r.mu.Lock()
		delete(r.entries, sess.ID)
		r.mu.Unlock()
		e.deleted = true
		slog.Error("Registry.Create: failed to persist session", "sessionID", sess.ID, "error", err)
		return models.Session{}, fmt.Errorf("failed to persist session: %w", err)
	}

	slog.Info("Registry.Create: session created", "sessionID", sess.ID, "state", sess.CurrentState)
	return *sess.Clone(), nil
}

// Get returns a copy of the session. Sessions not held in memory are loaded from
// the store.
func (r *Registry) Get(ctx context.Context, id string) (models.Session, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Session{}, ErrSessionNotFound
	}
	return *e.session.Clone(), nil
}

// Update runs fn on a copy of the session while holding the session's lock.
// When fn returns ErrSkipUpdate the current session is returned unchanged.
func (r *Registry) Update(ctx context.Context, id string, fn Mutator) (models.Session, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return models.Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Session{}, ErrSessionNotFound
	}

	working := e.session.Clone()
	if err := fn(working); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return *e.session.Clone(), nil
		}
		return models.Session{}, err
	}

	if err := r.store.SaveSession(ctx, *working); err != nil {
		slog.Error("Registry.Update: failed to persist session", "sessionID", id, "error", err)
		return models.Session{}, fmt.Errorf("failed to persist session: %w", err)
	}
	e.session = working
	return *working.Clone(), nil
}

// Delete removes the session from memory and from the store.
func (r *Registry) Delete(ctx context.Context, id string) error {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return ErrSessionNotFound
	}
	if err := r.store.DeleteSession(ctx, id); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to delete session: %w", err)
	}
	e.deleted = true
	e.mu.Unlock()

	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	slog.Info("Registry.Delete: session deleted", "sessionID", id)
	return nil
}

// Evict drops a session from memory. The stored copy is kept.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	slog.Debug("Registry.Evict: session evicted from memory", "sessionID", id)
}

// IDs returns the ids of sessions held in memory, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of sessions held in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Restore loads every non-terminal session from the store into memory. Sessions
// whose state is not part of the definition are skipped.
func (r *Registry) Restore(ctx context.Context) ([]models.Session, error) {
	sessions, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	restored := make([]models.Session, 0, len(sessions))
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range sessions {
		sess := sessions[i]
		if !r.def.Has(sess.CurrentState) {
			slog.Warn("Registry.Restore: skipping session in undefined state", "sessionID", sess.ID, "state", sess.CurrentState)
			continue
		}
		if _, exists := r.entries[sess.ID]; exists {
			continue
		}
		r.entries[sess.ID] = &entry{session: sess.Clone()}
		restored = append(restored, sess)
	}
	slog.Info("Registry.Restore: sessions restored", "count", len(restored))
	return restored, nil
}

// lookup returns the entry for id, loading it from the store on a miss.
func (r *Registry) lookup(ctx context.Context, id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e, nil
	}
	e = &entry{session: sess}
	r.entries[id] = e
	slog.Debug("Registry.lookup: session loaded from store", "sessionID", id)
	return e, nil
}
