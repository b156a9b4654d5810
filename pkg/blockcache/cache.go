// Package blockcache implements the manager's local cache core: a bounded
// key→Message map with byte accounting and a pluggable eviction policy,
// grounded on the way the source's CacheManager composes a cache map with a
// CacheWorker-style eviction strategy.
package blockcache

import (
	"errors"
	"sync"

	"github.com/marmos91/blockcache/pkg/eviction"
	"github.com/marmos91/blockcache/pkg/message"
)

// ErrBlockTooLarge is returned by Store when a single block's serialized
// size exceeds the cache's entire capacity — no amount of eviction can make
// room for it. This is a configuration error: callers should treat it as
// fatal at startup, not retry.
var ErrBlockTooLarge = errors.New("blockcache: block size exceeds cache capacity")

// Cache is the manager's bounded, in-memory block store. All operations are
// safe for concurrent use; the manager itself drives it from one goroutine,
// but the lock keeps this package usable standalone too.
type Cache struct {
	mu            sync.Mutex
	entries       map[uint64]*message.Message
	sizes         map[uint64]int
	currentBytes  uint64
	capacityBytes uint64
	policy        eviction.Policy
}

// New constructs a Cache with the given byte capacity and eviction policy.
func New(capacityBytes uint64, policy eviction.Policy) *Cache {
	return &Cache{
		entries:       make(map[uint64]*message.Message),
		sizes:         make(map[uint64]int),
		capacityBytes: capacityBytes,
		policy:        policy,
	}
}

// CapacityBytes returns the configured byte cap.
func (c *Cache) CapacityBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacityBytes
}

// CurrentBytes returns the sum of admitted block sizes. This must always
// equal the actual sum of resident entry sizes.
func (c *Cache) CurrentBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBytes
}

// Len returns the number of resident blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lookup returns the resident Message for key, if any, in O(1). A hit
// updates the eviction policy's recency/frequency bookkeeping.
func (c *Cache) Lookup(key uint64) (*message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.entries[key]
	if ok {
		c.policy.Reference(key)
	}
	return msg, ok
}

// Store admits msg, evicting victims first if necessary to stay within
// capacity, and returns the Messages evicted to make room, in eviction
// order, so the caller (pkg/manager) can forward each to its owning worker
// before admission is considered complete.
//
// If msg's key is already resident, this re-admits it in place (used by
// Set/replace, which treats a write as an STORE_BLOCK re-admission rather
// than an in-place mutation of policy bookkeeping).
func (c *Cache) Store(msg *message.Message) ([]*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := msg.Key()
	size := msg.Size()
	if uint64(size) > c.capacityBytes {
		return nil, ErrBlockTooLarge
	}

	if existing, exists := c.entries[key]; exists {
		c.currentBytes -= uint64(c.sizes[key])
		delete(c.entries, key)
		delete(c.sizes, key)
		c.policy.Remove(key)
		// Set/PushBack re-store the exact message they just mutated in place
		// (same pointer, fetched via Lookup); only release a genuinely
		// different buffer being displaced.
		if existing != msg {
			existing.Release()
		}
	}

	var evicted []*message.Message
	for c.currentBytes+uint64(size) > c.capacityBytes {
		victimKey, ok := c.policy.Victim()
		if !ok {
			break // nothing left to evict; Store will still exceed capacity, which ErrBlockTooLarge should have already caught
		}
		victimMsg, ok := c.entries[victimKey]
		if !ok {
			// Policy bookkeeping and cache entries disagree — drop the stale
			// record and keep looking (should not happen if Remove is always
			// paired with eviction, but avoids an infinite loop if it does).
			c.policy.Remove(victimKey)
			continue
		}
		delete(c.entries, victimKey)
		c.currentBytes -= uint64(c.sizes[victimKey])
		delete(c.sizes, victimKey)
		c.policy.Remove(victimKey)
		evicted = append(evicted, victimMsg)
	}

	c.entries[key] = msg
	c.sizes[key] = size
	c.currentBytes += uint64(size)
	c.policy.Reference(key)

	return evicted, nil
}

// Erase removes key from the cache, if present, and returns its Message.
func (c *Cache) Erase(key uint64) (*message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	delete(c.entries, key)
	c.currentBytes -= uint64(c.sizes[key])
	delete(c.sizes, key)
	c.policy.Remove(key)
	return msg, true
}

// Keys returns the set of resident composite keys, for tests and metrics.
func (c *Cache) Keys() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]uint64, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
