// Package dedup provides an at-most-once filter for raw inbound events.
package dedup

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"
)

// Cache is a bounded FIFO set of event content fingerprints. Once
// capacity is exceeded the oldest fingerprint is evicted, trading memory
// for a small chance of re-processing a very old duplicate — acceptable
// because reconciliation itself is idempotent. Safe for concurrent use.
type Cache struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	head int
	size int
}

// DefaultCapacity matches the ingress volume this cache was sized for.
const DefaultCapacity = 5000

// New creates a cache holding up to capacity fingerprints. A capacity
// below 1 falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Cache{
		set:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Seen records id and reports whether it was already present. The first
// call for a given id returns false; subsequent calls return true until
// the entry ages out.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.set[id]; ok {
		return true
	}
	if c.size == len(c.ring) {
		delete(c.set, c.ring[c.head])
	} else {
		c.size++
	}
	c.ring[c.head] = id
	c.head = (c.head + 1) % len(c.ring)
	c.set[id] = struct{}{}
	return false
}

// Len returns the number of fingerprints currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Fingerprint produces the content hash of a raw event body.
func Fingerprint(raw []byte) string {
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}
