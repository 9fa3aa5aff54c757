package cache

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTimeout bounds every Redis round trip. The cache sits on the hot
// read path, so a slow Redis must degrade to a miss, not a stall.
const redisTimeout = 500 * time.Millisecond

// Cache is the hot-path store for the latest emitted contexts. It is an
// accelerator only: a miss or a Redis outage falls through to PostgreSQL.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

// memoryCache is the in-process default. Entries expire lazily on read.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// New returns the in-memory cache.
func New() Cache {
	return &memoryCache{entries: make(map[string]memoryEntry)}
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		return nil, false
	}
	return e.payload, true
}

func (c *memoryCache) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Copy so the caller cannot mutate a stored payload.
	e := memoryEntry{payload: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = e
}

// redisCache backs the same interface with a shared Redis, letting
// several replicas serve one another's tick results.
type redisCache struct {
	client *redis.Client
}

// NewAuto picks the backend: Redis when REDIS_ADDR is set, in-memory
// otherwise.
func NewAuto() Cache {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return &redisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return New()
}

func (c *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (c *redisCache) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	_ = c.client.Set(ctx, key, val, ttl).Err()
}

// ContextKey names the latest-context slot for one (asset, timeframe).
func ContextKey(asset, timeframe string) string {
	return "chainpulse:context:" + asset + ":" + timeframe
}
