package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers recently accepted deliveries.
type ReplayCache interface {
	// Claim atomically inserts key with ttl. It returns false if key was
	// already present.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Forget removes key so an identical redelivery is accepted again.
	Forget(ctx context.Context, key string) error
}

// RedisReplayCache stores claims with SET NX PX so concurrent deliveries of
// the same envelope across instances see a single winner.
type RedisReplayCache struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayCache creates a Redis-backed replay cache.
func NewRedisReplayCache(client *redis.Client) *RedisReplayCache {
	return &RedisReplayCache{client: client, prefix: "boxoffice:replay:"}
}

func (c *RedisReplayCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay claim failed: %w", err)
	}
	return ok, nil
}

func (c *RedisReplayCache) Forget(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("replay forget failed: %w", err)
	}
	return nil
}

// MemoryReplayCache is the single-instance replay cache used when Redis is
// disabled.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryReplayCache creates an empty in-memory replay cache.
func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (c *MemoryReplayCache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryReplayCache) Forget(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Sweep drops expired entries.
func (c *MemoryReplayCache) Sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
		}
	}
}

// StartJanitor sweeps expired entries every interval until ctx is done.
func (c *MemoryReplayCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Sweep()
			}
		}
	}()
}
