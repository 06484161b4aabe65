package unlock

import (
	"container/list"
	"sync"
	"time"

	"coldproxy/pkg/cryptoprim"
)

// mkCacheCapacity and mkCacheIdleTTL are fixed per spec.md §4.4.4.
const (
	mkCacheCapacity = 100
	mkCacheIdleTTL  = 30 * time.Minute
)

type mkEntry struct {
	userID    string
	mk        []byte
	expiresAt time.Time
	elem      *list.Element // position in the FIFO insertion order
}

// mkCache is the Unlock Service's cached-MK table, grounded on the
// teacher's kms/pkg/kms.LocalProvider cache (a map with per-entry expiry),
// generalized from a fixed 5-minute DEK cache to a FIFO-capped, sliding-TTL
// MK cache keyed by user id (spec.md §4.4.4).
type mkCache struct {
	mu    sync.Mutex
	now   func() time.Time
	byKey map[string]*mkEntry
	order *list.List // front = oldest insertion
}

func newMKCache() *mkCache {
	return &mkCache{
		now:   time.Now,
		byKey: make(map[string]*mkEntry),
		order: list.New(),
	}
}

// Put inserts or replaces the cached MK for userID, taking ownership of mk
// (the caller must not reuse or zeroize it after calling Put). Evicts the
// oldest entry, zeroizing it, if the cache is at capacity.
func (c *mkCache) Put(userID string, mk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byKey[userID]; ok {
		c.order.Remove(existing.elem)
		cryptoprim.Zeroize(existing.mk)
		delete(c.byKey, userID)
	}

	for len(c.byKey) >= mkCacheCapacity {
		c.evictOldestLocked()
	}

	e := &mkEntry{userID: userID, mk: mk, expiresAt: c.now().Add(mkCacheIdleTTL)}
	e.elem = c.order.PushBack(e)
	c.byKey[userID] = e
}

// evictOldestLocked removes and zeroizes the front (oldest-inserted) entry.
// Caller must hold c.mu.
func (c *mkCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*mkEntry)
	c.order.Remove(front)
	delete(c.byKey, e.userID)
	cryptoprim.Zeroize(e.mk)
}

// Get returns a copy of the cached MK for userID and refreshes its idle
// TTL. Expired entries are removed lazily on access, matching spec.md
// §4.4.4 ("a background sweep is not required").
func (c *mkCache) Get(userID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byKey[userID]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.order.Remove(e.elem)
		delete(c.byKey, userID)
		cryptoprim.Zeroize(e.mk)
		return nil, false
	}
	e.expiresAt = c.now().Add(mkCacheIdleTTL)

	out := make([]byte, len(e.mk))
	copy(out, e.mk)
	return out, true
}

// Evict removes and zeroizes userID's cached MK, if any. Used by explicit
// logout (spec.md §9).
func (c *mkCache) Evict(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[userID]
	if !ok {
		return
	}
	c.order.Remove(e.elem)
	delete(c.byKey, userID)
	cryptoprim.Zeroize(e.mk)
}

// Len reports the current entry count, exposed for cache-stats reporting.
func (c *mkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Shutdown zeroizes every cached MK and drops the cache, per spec.md
// §4.4.4 ("on process shutdown the cache is dropped; no persistence").
func (c *mkCache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.byKey {
		cryptoprim.Zeroize(e.mk)
	}
	c.byKey = make(map[string]*mkEntry)
	c.order.Init()
}
