package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryCacheTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewMemoryCache[string]().WithClock(func() time.Time { return now })

	c.Set("k", "v", 30*time.Second)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("Get = %q, %v; want v, true", v, ok)
	}

	now = now.Add(30 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("item should expire at its TTL")
	}
	if removed := c.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after sweep", c.Len())
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache[int]()
	c.Set("a", 1, time.Minute)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("deleted key still present")
	}
}

func TestMemoryCacheConcurrent(t *testing.T) {
	c := NewMemoryCache[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i)
				c.Set(key, i, time.Minute)
				if v, ok := c.Get(key); !ok || v != i {
					t.Errorf("Get(%s) = %d, %v", key, v, ok)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() != 1600 {
		t.Errorf("Len = %d, want 1600", c.Len())
	}
}

func TestKeyLockSerializes(t *testing.T) {
	var l KeyLock
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("tok-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}
