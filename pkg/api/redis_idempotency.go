package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingTTL bounds how long a claim without a completed response can
// wedge its key if the owning replica dies mid-request.
const pendingTTL = 30 * time.Second

// RedisIdempotencyStore provides idempotency enforcement shared across
// server replicas, backed by Redis with TTL-based expiry. Claims are
// taken with SET NX so exactly one replica owns a key at a time.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

type redisCachedEntry struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

const redisPendingMarker = "pending"

func redisIdemKey(key string) string {
	return "idempotency:" + key
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, key string) (*CachedResponse, error) {
	k := redisIdemKey(key)
	claimed, err := s.client.SetNX(ctx, k, redisPendingMarker, pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		// The holder finished or expired between SETNX and GET; treat
		// the key as contended and let the client retry.
		return nil, ErrIdempotencyInFlight
	}
	if string(raw) == redisPendingMarker {
		return nil, ErrIdempotencyInFlight
	}
	var entry redisCachedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &CachedResponse{
		StatusCode:  entry.StatusCode,
		ContentType: entry.ContentType,
		Body:        entry.Body,
	}, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, resp *CachedResponse) error {
	raw, err := json.Marshal(redisCachedEntry{
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Body:        resp.Body,
	})
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, redisIdemKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency entry: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Abort(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisIdemKey(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
