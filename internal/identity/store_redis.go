package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "stream_token:"

// RedisStore provides Redis-backed token storage so the external session
// layer can issue tokens from another process. Expiry rides on Redis TTLs.
type RedisStore struct {
	rdb *goredis.Client
}

func NewRedisStore(rdb *goredis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func tokenKey(token string) string {
	return tokenKeyPrefix + token
}

func (s *RedisStore) Put(ctx context.Context, token string, id Identity, ttl time.Duration) error {
	payload, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := s.rdb.Set(ctx, tokenKey(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store stream token: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (Identity, bool, error) {
	payload, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, goredis.Nil) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("failed to read stream token: %w", err)
	}

	var id Identity
	if err := json.Unmarshal([]byte(payload), &id); err != nil {
		return Identity{}, false, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	return id, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete stream token: %w", err)
	}
	return nil
}
