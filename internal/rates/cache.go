package rates

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryCache is an in-process rate cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	rate      float64
	expiresAt time.Time
}

// NewMemoryCache creates a new in-process rate cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (m *MemoryCache) Get(ctx context.Context, pair string) (float64, bool) {
	m.mu.RLock()
	entry, ok := m.entries[pair]
	m.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.rate, true
}

func (m *MemoryCache) Set(ctx context.Context, pair string, rate float64, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[pair] = memoryEntry{rate: rate, expiresAt: time.Now().Add(ttl)}
}

// RedisCache shares cached rates across instances. Redis failures
// degrade to cache misses; the converter's fallback rate covers the
// worst case.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis-backed rate cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, pair string) (float64, bool) {
	val, err := r.client.Get(ctx, rateKey(pair)).Result()
	if err != nil {
		return 0, false
	}
	rate, err := strconv.ParseFloat(val, 64)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

func (r *RedisCache) Set(ctx context.Context, pair string, rate float64, ttl time.Duration) {
	_ = r.client.Set(ctx, rateKey(pair), strconv.FormatFloat(rate, 'f', -1, 64), ttl).Err()
}

func rateKey(pair string) string {
	return "brickpay:rate:" + pair
}
