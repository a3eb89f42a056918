package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type Item[V any] struct {
	Value      V
	Expiration int64
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]Item[V]
}

// MemoryCache is a TTL cache split into independently locked shards so hot
// keys on different shards never contend.
type MemoryCache[V any] struct {
	shards [shardCount]*shard[V]
	now    func() time.Time
}

func NewMemoryCache[V any]() *MemoryCache[V] {
	c := &MemoryCache[V]{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard[V]{items: make(map[string]Item[V])}
	}
	return c
}

// WithClock replaces the time source, for tests.
func (c *MemoryCache[V]) WithClock(now func() time.Time) *MemoryCache[V] {
	c.now = now
	return c
}

func (c *MemoryCache[V]) shardFor(key string) *shard[V] {
	return c.shards[xxhash.Sum64String(key)%shardCount]
}

func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = Item[V]{
		Value:      value,
		Expiration: c.now().Add(ttl).UnixNano(),
	}
}

// Get returns the value if present and unexpired. Expired items are left for
// Sweep.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, found := s.items[key]
	if !found || c.now().UnixNano() >= item.Expiration {
		var zero V
		return zero, false
	}
	return item.Value, true
}

func (c *MemoryCache[V]) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Sweep drops expired items and returns how many were removed. Shards are
// locked one at a time.
func (c *MemoryCache[V]) Sweep() int {
	now := c.now().UnixNano()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, item := range s.items {
			if now >= item.Expiration {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (c *MemoryCache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
