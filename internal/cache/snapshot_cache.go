// Package cache provides the short-lived snapshot cache used to paint
// a plausible view of a recently seen entity (profile, post) while the
// authoritative fetch is in flight. It is never a source of truth: a
// hit is always followed by a refetch, and the reconciliation bridge
// never writes here.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is how long a snapshot stays usable.
const DefaultTTL = 5 * time.Minute

// SnapshotCache is a thread-safe TTL cache keyed by a stable natural
// key (username, post id). The clock is injectable so tests control
// expiry.
type SnapshotCache[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache with the given TTL. A zero ttl uses DefaultTTL.
func New[V any](ttl time.Duration) *SnapshotCache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SnapshotCache[V]{
		items: make(map[string]entry[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (c *SnapshotCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached value if it exists and has not expired.
// Expired entries are treated as absent and dropped lazily.
func (c *SnapshotCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	now := c.now()
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if now.After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another Put may have renewed it.
		if cur, still := c.items[key]; still && c.now().After(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Put stores a snapshot with the cache TTL.
func (c *SnapshotCache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate removes a single key.
func (c *SnapshotCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes everything.
func (c *SnapshotCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry[V])
}

// Size returns the number of entries, expired ones included.
func (c *SnapshotCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
