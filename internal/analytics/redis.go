package analytics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache over Redis so multiple instances share derived
// results and invalidation.
type RedisCache struct {
	client *redis.Client
	prefix string

	hits    int64
	misses  int64
	puts    int64
	flushes int64
}

// RedisCacheConfig configures the Redis cache.
type RedisCacheConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	PoolSize int
}

// NewRedisCache creates a Redis-backed cache and verifies connectivity.
func NewRedisCache(config *RedisCacheConfig) (*RedisCache, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "analytics"
	}

	return &RedisCache{
		client: client,
		prefix: prefix,
	}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "analytics"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) makeKey(key string) string {
	return fmt.Sprintf("%s:%s", c.prefix, key)
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.makeKey(key)).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	atomic.AddInt64(&c.hits, 1)
	return data, true, nil
}

// Put implements Cache.
func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.makeKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	atomic.AddInt64(&c.puts, 1)
	return nil
}

// Flush implements Cache. Entries are scanned by prefix so other users of the
// same Redis database are untouched.
func (c *RedisCache) Flush(ctx context.Context) error {
	pattern := fmt.Sprintf("%s:*", c.prefix)

	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("del failed: %w", err)
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	atomic.AddInt64(&c.flushes, 1)
	return nil
}

// Stats returns cache statistics.
func (c *RedisCache) Stats() *CacheStats {
	return &CacheStats{
		Hits:    atomic.LoadInt64(&c.hits),
		Misses:  atomic.LoadInt64(&c.misses),
		Puts:    atomic.LoadInt64(&c.puts),
		Flushes: atomic.LoadInt64(&c.flushes),
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
