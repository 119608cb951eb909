package cache

import (
	"context"
	"sync"
	"time"
)

// TTLCache is an in-process Store with time-based expiration.
type TTLCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	maxEntries int
	stats      Stats
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// Stats counts cache activity.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// NewTTLCache creates a cache holding at most maxEntries keys. A background
// sweep removes expired keys until Close.
func NewTTLCache(maxEntries int) *TTLCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c := &TTLCache{
		entries:    make(map[string]cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	go c.cleanup(time.Minute)
	return c
}

func (c *TTLCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || (!e.expires.IsZero() && c.now().After(e.expires)) {
		c.stats.Misses++
		return nil, false, nil
	}
	c.stats.Hits++
	return e.value, true, nil
}

func (c *TTLCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	e := cacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *TTLCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// evictOldest drops the entry closest to expiry. Caller holds mu.
func (c *TTLCache) evictOldest() {
	var victim string
	var soonest time.Time
	for k, e := range c.entries {
		if victim == "" || (!e.expires.IsZero() && (soonest.IsZero() || e.expires.Before(soonest))) {
			victim, soonest = k, e.expires
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.stats.Evictions++
	}
}

func (c *TTLCache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for k, e := range c.entries {
				if !e.expires.IsZero() && now.After(e.expires) {
					delete(c.entries, k)
					c.stats.Evictions++
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// Stats returns a snapshot of the counters.
func (c *TTLCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close stops the background sweep.
func (c *TTLCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}
