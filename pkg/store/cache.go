package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the key/value surface shared by the nonce ledger and readiness checks.
// SetNX must be atomic: concurrent callers with the same key see exactly one true.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

// RedisCache wraps go-redis.
type RedisCache struct{ client *redis.Client }

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

const memShards = 32

// MemoryCache is an in-process TTL cache split into 32 independently locked
// shards. Expired entries are dropped lazily on access and in bulk by Sweep.
type MemoryCache struct {
	shards [memShards]memShard
	now    func() time.Time
}

type memShard struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(time.Now)
}

func NewMemoryCacheWithClock(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	m := &MemoryCache{now: now}
	for i := range m.shards {
		m.shards[i].items = map[string]memItem{}
	}
	return m
}

func (m *MemoryCache) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%memShards]
}

// SetNX stores value until now+ttl. A non-positive ttl never expires.
func (m *MemoryCache) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	return m.SetNXUntil(key, value, expiresAt), nil
}

// SetNXUntil stores value until the absolute expiresAt. The zero time never expires.
func (m *MemoryCache) SetNXUntil(key, value string, expiresAt time.Time) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok && !it.expired(m.now()) {
		return false
	}
	s.items[key] = memItem{value: value, expiresAt: expiresAt}
	return true
}

func (m *MemoryCache) Ping(context.Context) error { return nil }

// Sweep removes every expired entry and returns how many were dropped.
func (m *MemoryCache) Sweep() int {
	now := m.now()
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, it := range s.items {
			if it.expired(now) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len counts live entries.
func (m *MemoryCache) Len() int {
	now := m.now()
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, it := range s.items {
			if !it.expired(now) {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}
