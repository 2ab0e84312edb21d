// Package cache memoizes the open workflow request of each page.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cmsworkflow/internal/workflow"
)

// entry wraps the cached value so "no open request" can be cached too.
type entry struct {
	Request  *workflow.Request `json:"request"`
	CachedAt time.Time         `json:"cached_at"`
}

// RedisCache implements workflow.OpenRequestCache using Redis. Each page has
// an entry key and a generation counter; writes are conditional on the
// counter so a value read before a commit never lands after its invalidation.
type RedisCache struct {
	client    *redis.Client
	prefix    string
	genPrefix string
	ttl       time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		client:    client,
		prefix:    "workflow:open:",
		genPrefix: "workflow:gen:",
		ttl:       ttl,
	}
}

func (c *RedisCache) key(pageID string) string {
	return c.prefix + pageID
}

func (c *RedisCache) genKey(pageID string) string {
	return c.genPrefix + pageID
}

func (c *RedisCache) Get(ctx context.Context, pageID string) (*workflow.Request, bool, uint64, error) {
	var entryCmd, genCmd *redis.StringCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		entryCmd = pipe.Get(ctx, c.key(pageID))
		genCmd = pipe.Get(ctx, c.genKey(pageID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, 0, fmt.Errorf("read open request: %w", err)
	}

	generation, err := genCmd.Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, 0, fmt.Errorf("read cache generation: %w", err)
	}

	raw, err := entryCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, generation, nil
	}
	if err != nil {
		return nil, false, 0, fmt.Errorf("read open request: %w", err)
	}

	var cached entry
	if err := json.Unmarshal(raw, &cached); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = c.client.Del(ctx, c.key(pageID)).Err()
		return nil, false, generation, nil
	}
	return cached.Request, true, generation, nil
}

// Set stores request unless pageID was invalidated after generation was read.
func (c *RedisCache) Set(ctx context.Context, pageID string, request *workflow.Request, generation uint64) error {
	payload, err := json.Marshal(entry{Request: request, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal open request: %w", err)
	}

	genKey := c.genKey(pageID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(pageID), payload, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write open request: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, pageID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(pageID))
		pipe.Del(ctx, c.key(pageID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate open request: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
