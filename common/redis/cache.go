package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowd/common/logger"
)

// Cache implements cache.Cache on top of a redis.Client.
type Cache struct {
	redis  *redis.Client
	prefix string
	log    *logger.Logger
}

// NewCache creates a new Redis-backed cache. The prefix namespaces keys so
// multiple engines can share one Redis database.
func NewCache(redisClient *redis.Client, prefix string, log *logger.Logger) *Cache {
	return &Cache{
		redis:  redisClient,
		prefix: prefix,
		log:    log,
	}
}

// Get retrieves a value by key
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		c.log.Debug("redis GET key not found", "key", key)
		return nil, false, nil
	}
	if err != nil {
		c.log.Error("redis GET failed", "key", key, "error", err)
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores a value with expiration
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.redis.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.log.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.log.Debug("redis SET", "key", key, "ttl", ttl)
	return nil
}

// Delete removes a key
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, c.prefix+key).Err(); err != nil {
		c.log.Error("redis DEL failed", "key", key, "error", err)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client
func (c *Cache) Close() error {
	return c.redis.Close()
}
