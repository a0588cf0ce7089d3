package store

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// memoryCache is a TTL map used both for the local cache tier and, with no
// expiry, for the degraded-mode resident copy.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]cacheEntry)}
}

func (c *memoryCache) get(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// set stores value for key. A zero ttl means the entry never expires.
func (c *memoryCache) set(key string, value []byte, ttl time.Duration, now time.Time) {
	entry := cacheEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *memoryCache) delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *memoryCache) prune(now time.Time) {
	c.mu.Lock()
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// localBus bridges publish/subscribe inside one process so single-instance
// deployments behave identically with no shared cache service running.
type localBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newLocalBus() *localBus {
	return &localBus{subs: make(map[string][]chan []byte)}
}

func (b *localBus) publish(channel string, payload []byte) {
	b.mu.Lock()
	targets := append([]chan []byte(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- payload:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

func (b *localBus) subscribe(channel string) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch
}
