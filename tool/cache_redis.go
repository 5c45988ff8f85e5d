package tool

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openagents/conductor/types"
)

// RedisCache is a ResultCache backed by Redis, for deployments where tool
// results should be shared across orchestrator instances. Entries expire
// through Redis TTL; there is no size bound.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewTransientError("redis ping: %v", err)
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "conductor:toolcache:",
		logger: logger,
	}, nil
}

// Get fetches and decodes one entry. Decode failures are treated as misses
// and the entry is dropped.
func (c *RedisCache) Get(ctx context.Context, key string) (*types.ToolResult, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.logger.Warn("redis get failed", zap.Error(err))
		c.misses.Add(1)
		return nil, false
	}

	var result types.ToolResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.Error(err))
		c.client.Del(ctx, c.prefix+key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &result, true
}

// Set stores one entry with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, result *types.ToolResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("cache entry not serializable", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.Error(err))
	}
}

// Stats reports hit and miss counters. Entries is -1; Redis owns the count.
func (c *RedisCache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: -1,
	}
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
