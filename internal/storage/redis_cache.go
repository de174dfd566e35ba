package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache serves the volatile cache operations (thinking signatures,
// sticky-session hints) from Redis while a SQL/Mongo backend keeps the
// durable rows. It intentionally implements only the cache subset.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache client.
func NewRedisCache(addr, password string, db int, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "relay:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	return &RedisCache{client: client, prefix: prefix}
}

// Initialize tests the Redis connection.
func (r *RedisCache) Initialize(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks redis availability.
func (r *RedisCache) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) GetCache(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, err
	}
	return data, nil
}

func (r *RedisCache) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisCache) DeleteCache(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// cachedBackend overlays Redis cache operations on top of a durable backend.
// Everything except the cache subset is delegated unchanged.
type cachedBackend struct {
	Backend
	cache *RedisCache
}

// WithCache returns a Backend whose cache operations are served by cache.
// Close tears down both layers.
func WithCache(primary Backend, cache *RedisCache) Backend {
	return &cachedBackend{Backend: primary, cache: cache}
}

func (c *cachedBackend) GetCache(ctx context.Context, key string) ([]byte, error) {
	return c.cache.GetCache(ctx, key)
}

func (c *cachedBackend) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.cache.SetCache(ctx, key, value, ttl)
}

func (c *cachedBackend) DeleteCache(ctx context.Context, key string) error {
	return c.cache.DeleteCache(ctx, key)
}

func (c *cachedBackend) Health(ctx context.Context) error {
	if err := c.Backend.Health(ctx); err != nil {
		return err
	}
	return c.cache.Health(ctx)
}

func (c *cachedBackend) Close() error {
	err := c.Backend.Close()
	if cerr := c.cache.Close(); err == nil {
		err = cerr
	}
	return err
}
