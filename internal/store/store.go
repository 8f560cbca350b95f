// Package store provides storage backends for CharacterForge sessions.
//
// It includes an in-memory store and persistent SQLite, PostgreSQL and Redis stores.
// Lookups of missing sessions return (nil, nil).
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

// ErrInvalidSession is returned when a session without an ID is saved.
var ErrInvalidSession = errors.New("session has no id")

// Store persists workflow sessions.
type Store interface {
	// SaveSession inserts or replaces a session.
	SaveSession(ctx context.Context, s models.Session) error
	// GetSession returns the session with id, or nil when none is stored.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error
	// ListActiveSessions returns every non-terminal session, oldest first.
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
	// Close releases the backend.
	Close() error
}

// Opts holds configuration for the SQL stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// connection URLs and key/value strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore keeps sessions in a map. It is used when no persistent backend is
// configured and in tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session

	jobsMu sync.Mutex
	jobs   map[string]*Job
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		jobs:     make(map[string]*Job),
	}
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess models.Session) error {
	if sess.ID == "" {
		return ErrInvalidSession
	}
	s.mu.Lock()
	s.sessions[sess.ID] = *sess.Clone()
	s.mu.Unlock()
	slog.Debug("InMemoryStore.SaveSession", "sessionID", sess.ID, "state", sess.CurrentState)
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListActiveSessions(_ context.Context) ([]models.Session, error) {
	s.mu.RLock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.Terminal {
			out = append(out, *sess.Clone())
		}
	}
	s.mu.RUnlock()
	sortByCreation(out)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortByCreation(sessions []models.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

// timestampOrNow is used for updated_at columns.
func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
