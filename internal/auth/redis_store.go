package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammed-shakir/geodb-client/internal/cache/keys"
)

// KV is the subset of the Redis client used by RedisStore.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisStore shares one token between every process using the same identity provider
// and client id. Entries expire in Redis together with the token.
type RedisStore struct {
	kv  KV
	key string
	now func() time.Time
}

func NewRedisStore(kv KV, authDomain, clientID string) *RedisStore {
	return &RedisStore{kv: kv, key: keys.Token(authDomain, clientID), now: time.Now}
}

func (s *RedisStore) Key() string { return s.key }

func (s *RedisStore) Load(ctx context.Context) (Entry, error) {
	b, found, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, ErrNoEntry
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("parse cached token %s: %w", s.key, err)
	}
	return e, nil
}

func (s *RedisStore) Save(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	ttl := time.Duration(0)
	if e.Data.ExpiresIn > 0 {
		life := time.Duration(e.Data.ExpiresIn) * time.Second
		ttl = life
		if at, err := e.capturedAt(); err == nil {
			ttl = at.Add(life).Sub(s.now())
		}
		if ttl <= 0 {
			return nil
		}
	}
	return s.kv.Set(ctx, s.key, b, ttl)
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.kv.Del(ctx, s.key)
}
