package dht

import (
	"math"
	"sync"
	"time"
)

// CacheEntry is one stored (key, subkey) -> value mapping. Expire is
// nil for a locally-seeded entry with no TTL (the local node is the
// authoritative publisher); Refresh records the last time this node
// replicated the entry outward.
type CacheEntry struct {
	Value   []byte
	Expire  *time.Time
	Refresh time.Time
}

// Cache is the two-level (idHex -> subkey -> CacheEntry) store behind
// Node.Set/Get/Peek. It owns no knowledge of the routing table; the
// expiration-scaling factor is supplied by the caller via a closure so
// the two components stay decoupled.
type Cache struct {
	mu      sync.Mutex
	entries map[string]map[string]CacheEntry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]map[string]CacheEntry)}
}

// Store writes (or overwrites, last-writer-wins) the value for
// (idHex, subkey).
func (c *Cache) Store(idHex, subkey string, value []byte, expire *time.Time, refresh time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.entries[idHex]
	if !ok {
		sub = make(map[string]CacheEntry)
		c.entries[idHex] = sub
	}
	sub[subkey] = CacheEntry{Value: append([]byte(nil), value...), Expire: expire, Refresh: refresh}
}

// Get returns the entry for (idHex, subkey), if present.
func (c *Cache) Get(idHex, subkey string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.entries[idHex]
	if !ok {
		return CacheEntry{}, false
	}
	e, ok := sub[subkey]
	return e, ok
}

// GetAll returns a copy of every subkey entry stored under idHex.
func (c *Cache) GetAll(idHex string) map[string]CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.entries[idHex]
	if !ok {
		return nil
	}
	out := make(map[string]CacheEntry, len(sub))
	for k, v := range sub {
		out[k] = v
	}
	return out
}

// Delete removes a single subkey entry.
func (c *Cache) Delete(idHex, subkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.entries[idHex]
	if !ok {
		return
	}
	delete(sub, subkey)
	if len(sub) == 0 {
		delete(c.entries, idHex)
	}
}

// closerCountFunc reports how many contacts the caller's routing table
// knows that are closer to the local ID than id is (as
// RoutingTable.CountClosestNodes computes) — used to scale TTL.
type closerCountFunc func(id ID) int

// scaledRemaining applies the exp(k/n) TTL-scaling rule to the
// residual lifetime of an entry. When n > k the residual lifetime is
// multiplied by exp(k/n); otherwise it is returned unchanged.
func scaledRemaining(remaining time.Duration, k, n int) time.Duration {
	if n <= k {
		return remaining
	}
	factor := math.Exp(float64(k) / float64(n))
	return time.Duration(float64(remaining) * factor)
}

// Expire removes every entry whose scaled effective expiration is at
// or before now. Entries with Expire == nil never expire. k is the
// configured bucket size; closerCount computes n for a given id.
func (c *Cache) Expire(now time.Time, k int, closerCount closerCountFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for idHex, sub := range c.entries {
		id, err := FromHex(idHex)
		for subkey, entry := range sub {
			if entry.Expire == nil {
				continue
			}
			remaining := entry.Expire.Sub(now)
			if err == nil {
				n := closerCount(id)
				remaining = scaledRemaining(remaining, k, n)
			}
			if remaining <= 0 {
				delete(sub, subkey)
			}
		}
		if len(sub) == 0 {
			delete(c.entries, idHex)
		}
	}
}

// dueEntry identifies one (idHex, subkey) entry that is due for
// replication.
type dueEntry struct {
	IDHex  string
	Subkey string
	Entry  CacheEntry
}

// DueForReplication returns every entry whose due interval has
// elapsed, and the earliest upcoming deadline across the whole cache,
// capped at now+replicateInterval. An entry with
// Expire == nil is locally authoritative (this node is the original
// publisher) and is due on the slower republishInterval; an entry
// cached on behalf of another publisher is due on the faster
// replicateInterval.
func (c *Cache) DueForReplication(replicateInterval, republishInterval time.Duration, now time.Time) ([]dueEntry, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	earliest := now.Add(replicateInterval)
	var due []dueEntry
	for idHex, sub := range c.entries {
		for subkey, entry := range sub {
			interval := replicateInterval
			if entry.Expire == nil {
				interval = republishInterval
			}
			dueAt := entry.Refresh.Add(interval)
			if !dueAt.After(now) {
				due = append(due, dueEntry{IDHex: idHex, Subkey: subkey, Entry: entry})
				continue
			}
			if dueAt.Before(earliest) {
				earliest = dueAt
			}
		}
	}
	return due, earliest
}

// MarkReplicated stamps an entry's Refresh time to now, typically
// called after a successful replication pass.
func (c *Cache) MarkReplicated(idHex, subkey string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.entries[idHex]
	if !ok {
		return
	}
	e, ok := sub[subkey]
	if !ok {
		return
	}
	e.Refresh = now
	sub[subkey] = e
}
