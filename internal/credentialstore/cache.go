package credentialstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheKey describes the credential cache's key, (path, mtime); Store
// renders it as a "path:mtime" string, and concurrent misses on one key
// are deduplicated by singleflight. Out-of-band refreshes (a new file
// write) change mtime and so are observed without restart.
type cacheKey struct {
	path  string
	mtime int64
}

// Backend is the pluggable cache behind the (path, mtime) credential
// cache. The default is in-process; an optional Redis-backed Backend
// lets a fleet of gateway replicas share the cached token material so
// every replica does not need to re-read disk after an out-of-band
// oauth refresh.
type Backend interface {
	Get(ctx context.Context, key string) (Materialized, bool)
	Set(ctx context.Context, key string, m Materialized, ttl time.Duration)
}

// memoryBackend is a map-keyed in-process cache using a TTL-entry
// pattern, guarded by a single RWMutex rather than sync.Map since
// entries are read far more often than written.
type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     Materialized
	expiresAt time.Time
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[string]memoryEntry)}
}

func (b *memoryBackend) Get(_ context.Context, key string) (Materialized, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return Materialized{}, false
	}
	return e.value, true
}

func (b *memoryBackend) Set(_ context.Context, key string, m Materialized, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memoryEntry{value: m, expiresAt: time.Now().Add(ttl)}
}

// redisBackend is an optional secondary cache backend (DOMAIN STACK:
// github.com/redis/go-redis/v9). Reads fall back silently to a cache
// miss on any Redis error so a flaky cache never blocks credential
// resolution.
type redisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend constructs a Redis-backed credential cache.
func NewRedisBackend(client *redis.Client, prefix string) Backend {
	return &redisBackend{client: client, prefix: prefix}
}

func (b *redisBackend) Get(ctx context.Context, key string) (Materialized, bool) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		return Materialized{}, false
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Materialized{}, false
	}
	e.Materialized.HeaderValue = e.HeaderValue
	return e.Materialized, true
}

// redisEntry is the stored form of a Materialized; HeaderValue is
// carried explicitly because Materialized excludes it from JSON.
type redisEntry struct {
	Materialized
	HeaderValue string `json:"header_value"`
}

func (b *redisBackend) Set(ctx context.Context, key string, m Materialized, ttl time.Duration) {
	raw, err := json.Marshal(redisEntry{Materialized: m, HeaderValue: m.HeaderValue})
	if err != nil {
		return
	}
	_ = b.client.Set(ctx, b.prefix+key, raw, ttl).Err()
}
