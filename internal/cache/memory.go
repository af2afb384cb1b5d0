package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is a single-instance ReputationCache backed by an in-process
// TTL map. The mutex makes create-if-absent-then-increment one operation;
// go-cache's own increment is atomic only for existing keys.
type MemoryCache struct {
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemoryCache creates an in-memory cache. Expired entries are swept every
// minute; reads never return expired values regardless of sweep timing.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("key %q holds a counter, not a value", key)
	}
	return s, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryCache) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.c.Get(key); !ok {
		if ttl <= 0 {
			ttl = gocache.NoExpiration
		}
		m.c.Set(key, int64(1), ttl)
		return 1, nil
	}
	return m.c.IncrementInt64(key, 1)
}

func (m *MemoryCache) Count(_ context.Context, key string) (int64, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return 0, nil
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("key %q holds a value, not a counter", key)
	}
	return n, nil
}

func (m *MemoryCache) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	_, exp, ok := m.c.GetWithExpiration(key)
	if !ok {
		return 0, false, nil
	}
	if exp.IsZero() {
		return 0, true, nil // no expiry
	}
	return time.Until(exp), true, nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}
