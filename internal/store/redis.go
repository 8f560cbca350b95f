package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

const (
	defaultRedisPrefix      = "charforge"
	defaultTerminalTTLHours = 24
)

// RedisStore keeps sessions as JSON values in Redis. Non-terminal session ids are
// tracked in a set so they can be listed for recovery; terminal sessions expire
// after the configured TTL.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	terminalTTL time.Duration
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Default is "charforge".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTerminalTTL sets how long terminal sessions are kept. Zero keeps them forever.
// Default is 24 hours.
func WithTerminalTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.terminalTTL = ttl }
}

// NewRedisStore creates a Redis-backed session store.
//
//	st := NewRedisStore(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithTerminalTTL(48 * time.Hour),
//	)
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:      client,
		prefix:      defaultRedisPrefix,
		terminalTTL: defaultTerminalTTLHours * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *RedisStore) activeKey() string {
	return s.prefix + ":sessions:active"
}

// SaveSession writes the session and maintains the active index in one pipeline.
func (s *RedisStore) SaveSession(ctx context.Context, sess models.Session) error {
	if sess.ID == "" {
		return ErrInvalidSession
	}
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	if sess.Terminal {
		pipe.Set(ctx, s.sessionKey(sess.ID), data, s.terminalTTL)
		pipe.SRem(ctx, s.activeKey(), sess.ID)
	} else {
		pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
		pipe.SAdd(ctx, s.activeKey(), sess.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore.SaveSession: pipeline failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	slog.Debug("RedisStore.SaveSession", "sessionID", sess.ID, "state", sess.CurrentState)
	return nil
}

// GetSession loads a session, or nil when the key does not exist.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return decodeSession(data)
}

// DeleteSession removes the session and its index entry.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(id))
	pipe.SRem(ctx, s.activeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// ListActiveSessions loads every indexed non-terminal session. Index entries whose
// key has disappeared or no longer decodes are pruned.
func (s *RedisStore) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	var sessions []models.Session
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeSession([]byte(raw))
		if err != nil {
			slog.Warn("RedisStore.ListActiveSessions: dropping undecodable session from index", "sessionID", ids[i], "error", err)
			stale = append(stale, ids[i])
			continue
		}
		if sess.Terminal {
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, *sess)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.activeKey(), stale...).Err(); err != nil {
			slog.Warn("RedisStore.ListActiveSessions: failed to prune index", "error", err, "count", len(stale))
		}
	}
	sortByCreation(sessions)
	return sessions, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
