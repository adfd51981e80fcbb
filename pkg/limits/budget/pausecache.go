package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/costgate/pkg/limits/counter"
)

// PauseCache holds each tenant's paused flag for the advisory pre-check.
type PauseCache interface {
	// Get reports the cached flag. ok is false on a miss.
	Get(ctx context.Context, tenantID string) (paused bool, ok bool, err error)

	// Set stores the flag with the cache TTL.
	Set(ctx context.Context, tenantID string, paused bool) error
}

// MemoryPauseCache is an in-process PauseCache.
type MemoryPauseCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]pauseEntry
}

type pauseEntry struct {
	paused    bool
	expiresAt time.Time
}

// NewMemoryPauseCache creates a cache whose entries live for ttl.
func NewMemoryPauseCache(ttl time.Duration) *MemoryPauseCache {
	return &MemoryPauseCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]pauseEntry),
	}
}

// Get implements PauseCache.
func (c *MemoryPauseCache) Get(ctx context.Context, tenantID string) (bool, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[tenantID]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		return false, false, nil
	}
	return e.paused, true, nil
}

// Set implements PauseCache.
func (c *MemoryPauseCache) Set(ctx context.Context, tenantID string, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[tenantID] = pauseEntry{paused: paused, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// RedisPauseCache shares paused flags across replicas.
type RedisPauseCache struct {
	rdb  redis.UniversalClient
	keys counter.Keyspace
	ttl  time.Duration
}

// NewRedisPauseCache stores flags under {prefix}:pause:{tenant}.
func NewRedisPauseCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisPauseCache {
	return &RedisPauseCache{
		rdb:  rdb,
		keys: counter.NewKeyspace(prefix),
		ttl:  ttl,
	}
}

// Get implements PauseCache.
func (c *RedisPauseCache) Get(ctx context.Context, tenantID string) (bool, bool, error) {
	v, err := c.rdb.Get(ctx, c.keys.Key("pause", tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("pause cache get: %w", err)
	}
	return v == "1", true, nil
}

// Set implements PauseCache.
func (c *RedisPauseCache) Set(ctx context.Context, tenantID string, paused bool) error {
	v := "0"
	if paused {
		v = "1"
	}
	if err := c.rdb.Set(ctx, c.keys.Key("pause", tenantID), v, c.ttl).Err(); err != nil {
		return fmt.Errorf("pause cache set: %w", err)
	}
	return nil
}
