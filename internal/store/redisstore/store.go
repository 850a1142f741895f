package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkchat/arkchat/internal/chat"
)

const sessionListTTL = 60 * time.Second

// Store caches the per-user session list so the sidebar refresh does not hit
// the database on every poll. Writes to the directory invalidate it.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Close() error { return s.rdb.Close() }

func sessionsKey(userID uint64) string {
	return fmt.Sprintf("chat:sessions:%d", userID)
}

func (s *Store) CacheSessions(ctx context.Context, userID uint64, sessions []chat.Session) error {
	b, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, sessionsKey(userID), b, sessionListTTL).Err()
}

// CachedSessions returns (nil, nil) on a cache miss.
func (s *Store) CachedSessions(ctx context.Context, userID uint64) ([]chat.Session, error) {
	b, err := s.rdb.Get(ctx, sessionsKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []chat.Session
	if err := json.Unmarshal(b, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) InvalidateSessions(ctx context.Context, userID uint64) error {
	return s.rdb.Del(ctx, sessionsKey(userID)).Err()
}
