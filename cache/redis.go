package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is an optional shared tier so warm answers survive restarts and
// are visible to sibling instances. Redis failures degrade to misses.
type RedisStore[T any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStore[T any](client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStore[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore[T]{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "redis_cache", "prefix", prefix),
	}
}

func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool) {
	var v T
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("redis get failed", "error", err)
		}
		return v, false
	}
	if err := json.Unmarshal(b, &v); err != nil {
		s.logger.Warn("discarding undecodable cache entry", "error", err)
		return v, false
	}
	return v, true
}

func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) {
	b, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("cache value not encodable", "error", err)
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, b, s.ttl).Err(); err != nil {
		s.logger.Warn("redis set failed", "error", err)
	}
}

// Tiered reads the local LRU first and falls back to the shared store,
// back-filling the LRU on a shared hit.
type Tiered[T any] struct {
	Local  *LRU[T]
	Shared Cache[T]
}

func (t *Tiered[T]) Get(ctx context.Context, key string) (T, bool) {
	if v, ok := t.Local.Get(ctx, key); ok {
		return v, true
	}
	v, ok := t.Shared.Get(ctx, key)
	if ok {
		t.Local.Set(ctx, key, v)
	}
	return v, ok
}

func (t *Tiered[T]) Set(ctx context.Context, key string, value T) {
	t.Local.Set(ctx, key, value)
	t.Shared.Set(ctx, key, value)
}

// Reset clears the local tier only; the shared tier expires on its own.
func (t *Tiered[T]) Reset() { t.Local.Reset() }
