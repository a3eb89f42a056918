package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// KeyLock serializes work per key using a fixed pool of mutexes. Two keys
// may share a mutex; unrelated keys usually do not.
type KeyLock struct {
	mus [shardCount * 8]sync.Mutex
}

func (l *KeyLock) Lock(key string) func() {
	mu := &l.mus[xxhash.Sum64String(key)%uint64(len(l.mus))]
	mu.Lock()
	return mu.Unlock
}
