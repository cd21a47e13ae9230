package dht

import (
	mrand "math/rand"
	"time"
)

// storeResult reports the outcome of Bucket.Store.
type storeResult int

const (
	storeInserted storeResult = iota
	storeUpdated
	storeFull
)

// bucket is a leaf of the routing tree: a capacity-bounded, oldest-first
// ordered sequence of contacts covering one binary prefix region.
//
// Invariants: len(contacts) <= capacity; every contact's ID agrees
// with prefix in its first len(prefix) bits; no two contacts share an
// ID.
type bucket struct {
	capacity    int
	prefix      []bool
	contacts    []Contact
	refreshedAt time.Time
	hasRefresh  bool
}

func newBucket(capacity int, prefix []bool) *bucket {
	return &bucket{
		capacity: capacity,
		prefix:   append([]bool(nil), prefix...),
	}
}

// store inserts or refreshes a contact. If the ID is already present it
// is moved to the tail (most recently seen) and storeUpdated is
// returned. If the bucket has room, the contact is appended and
// storeInserted is returned. Otherwise storeFull is returned and the
// bucket is left unchanged.
func (b *bucket) store(c Contact) storeResult {
	for i, existing := range b.contacts {
		if existing.ID.Equal(c.ID) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return storeUpdated
		}
	}
	if len(b.contacts) >= b.capacity {
		return storeFull
	}
	b.contacts = append(b.contacts, c)
	return storeInserted
}

// remove deletes the contact with the given ID, if present, returning
// it and true; otherwise returns the zero Contact and false.
func (b *bucket) remove(id ID) (Contact, bool) {
	for i, c := range b.contacts {
		if c.ID.Equal(id) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return c, true
		}
	}
	return Contact{}, false
}

// oldest returns the contact that has been in the bucket the longest
// (the head of the oldest-first order), or false if empty.
func (b *bucket) oldest() (Contact, bool) {
	if len(b.contacts) == 0 {
		return Contact{}, false
	}
	return b.contacts[0], true
}

// obtain returns up to n contacts in oldest-first order. n <= 0 means
// "all of them".
func (b *bucket) obtain(n int) []Contact {
	if n <= 0 || n > len(b.contacts) {
		n = len(b.contacts)
	}
	out := make([]Contact, n)
	copy(out, b.contacts[:n])
	return out
}

// split distributes this bucket's contacts into left and right
// children by the value of their nth bit, preserving relative order
// within each side.
func (b *bucket) split(nth int, left, right *bucket) {
	for _, c := range b.contacts {
		if c.ID.Bit(nth) {
			right.contacts = append(right.contacts, c)
		} else {
			left.contacts = append(left.contacts, c)
		}
	}
}

// randomID produces a weakly random ID whose first len(prefix) bits
// equal this bucket's prefix.
func (b *bucket) randomID(rng *mrand.Rand) ID {
	id := GenerateWeakID(rng)
	withPrefix, err := id.WithPrefix(b.prefix)
	if err != nil {
		// len(prefix) < idBits is guaranteed by construction (the
		// routing table never splits past depth idBits-1).
		return id
	}
	return withPrefix
}

// nextRefreshTime reports whether a refresh is due. A never-refreshed
// bucket returns (zero time, true). Otherwise it returns
// refreshedAt+interval, with true if that time is at or before now and
// false if no refresh is due yet.
func (b *bucket) nextRefreshTime(interval time.Duration, now time.Time) (time.Time, bool) {
	if !b.hasRefresh {
		return time.Time{}, true
	}
	due := b.refreshedAt.Add(interval)
	if !due.After(now) {
		return due, true
	}
	return due, false
}

// markRefreshed stamps the bucket as refreshed at now.
func (b *bucket) markRefreshed(now time.Time) {
	b.refreshedAt = now
	b.hasRefresh = true
}

func (b *bucket) len() int {
	return len(b.contacts)
}
