package foundation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheStore holds the last verification result. Implementations do not
// judge staleness; the verifier compares CheckedAt against its TTL so that
// clock injection stays in one place.
type CacheStore interface {
	Get(ctx context.Context) (*Result, error)
	Set(ctx context.Context, r *Result) error
}

// memoryCache is the default single-process cache.
type memoryCache struct {
	mu     sync.Mutex
	result *Result
}

func newMemoryCache() *memoryCache { return &memoryCache{} }

func (c *memoryCache) Get(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil, nil
	}
	r := *c.result
	return &r, nil
}

func (c *memoryCache) Set(ctx context.Context, r *Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *r
	c.result = &cp
	return nil
}

// RedisCache shares verification results across coordinator processes
// working the same repository. Redis expiry is a backstop; the verifier
// still applies its own TTL against CheckedAt.
type RedisCache struct {
	client *redis.Client
	key    string
	expiry time.Duration
}

// NewRedisCache creates a shared cache under the given key. expiry bounds
// how long a dead process's result lingers; it should comfortably exceed
// the verifier TTL.
func NewRedisCache(client *redis.Client, key string, expiry time.Duration) *RedisCache {
	if key == "" {
		key = "stevedore:foundation:result"
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &RedisCache{client: client, key: key, expiry: expiry}
}

func (c *RedisCache) Get(ctx context.Context) (*Result, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("foundation cache get: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("foundation cache decode: %w", err)
	}
	return &r, nil
}

func (c *RedisCache) Set(ctx context.Context, r *Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("foundation cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, c.expiry).Err(); err != nil {
		return fmt.Errorf("foundation cache set: %w", err)
	}
	return nil
}
