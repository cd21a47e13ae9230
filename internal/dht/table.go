package dht

import (
	mrand "math/rand"
	"sync"
	"time"
)

// treeNode is one node of the routing table's binary prefix tree. It is
// either a leaf (leaf != nil) carrying a bucket, or a branch (leaf ==
// nil) with two children — the tagged sum type Leaf(Bucket) |
// Branch{left, right} from the design notes, expressed without a
// runtime type switch since Go structs make the nil check equivalent.
type treeNode struct {
	leaf        *bucket
	left, right *treeNode
}

// StoreStatus is the outcome of RoutingTable.Store.
type StoreStatus int

const (
	// StoreOK means the contact was inserted or refreshed.
	StoreOK StoreStatus = iota
	// StoreRejectedSelf means the contact's ID equals the local ID (I3).
	StoreRejectedSelf
	// StoreEvictionCandidate means the covering bucket is full and not
	// splittable; the returned Contact is the bucket's oldest entry,
	// and the caller must decide whether to ping-and-replace it.
	StoreEvictionCandidate
)

// RoutingTable is a binary prefix tree of buckets rooted at the local
// ID. Each bucket's prefix is its path from the root; only a bucket
// whose prefix is a prefix of the local ID is split; the local ID is
// never stored; each endpoint maps to at most one ID.
type RoutingTable struct {
	mu        sync.Mutex
	localID   ID
	k         int
	root      *treeNode
	endpoints map[string]ID
}

// NewRoutingTable creates a table for localID with bucket capacity k,
// starting as a single root bucket covering the whole ID space.
func NewRoutingTable(localID ID, k int) *RoutingTable {
	return &RoutingTable{
		localID:   localID,
		k:         k,
		root:      &treeNode{leaf: newBucket(k, nil)},
		endpoints: make(map[string]ID),
	}
}

// LocalID returns the table's local identifier.
func (rt *RoutingTable) LocalID() ID { return rt.localID }

// findBucketLocked walks the tree from the root for id, returning the
// leaf node, its depth, and whether the path taken stays within the
// local ID's prefix region (i.e. the covering bucket may be split).
// Caller must hold rt.mu.
func (rt *RoutingTable) findBucketLocked(id ID) (*treeNode, int, bool) {
	node := rt.root
	depth := 0
	allowSplit := true
	for node.leaf == nil {
		bit := id.Bit(depth)
		allowSplit = allowSplit && bit == rt.localID.Bit(depth)
		if bit {
			node = node.right
		} else {
			node = node.left
		}
		depth++
	}
	return node, depth, allowSplit
}

func appendBit(prefix []bool, bit bool) []bool {
	out := make([]bool, len(prefix)+1)
	copy(out, prefix)
	out[len(prefix)] = bit
	return out
}

// Store inserts or refreshes a contact in the table, splitting the
// covering bucket as needed. See StoreStatus for the possible
// outcomes; when StoreEvictionCandidate is returned, the second value
// is the bucket's oldest contact.
func (rt *RoutingTable) Store(c Contact) (StoreStatus, Contact) {
	if c.ID.Equal(rt.localID) {
		return StoreRejectedSelf, Contact{}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	node := rt.root
	depth := 0
	allowSplit := true

	for {
		if node.leaf == nil {
			bit := c.ID.Bit(depth)
			allowSplit = allowSplit && bit == rt.localID.Bit(depth)
			if bit {
				node = node.right
			} else {
				node = node.left
			}
			depth++
			continue
		}

		b := node.leaf
		res := b.store(c)
		if res != storeFull {
			rt.registerEndpointLocked(c)
			return StoreOK, Contact{}
		}
		if !allowSplit || depth >= idBits-1 {
			oldest, _ := b.oldest()
			return StoreEvictionCandidate, oldest
		}

		left := newBucket(b.capacity, appendBit(b.prefix, false))
		right := newBucket(b.capacity, appendBit(b.prefix, true))
		b.split(depth, left, right)

		node.leaf = nil
		node.left = &treeNode{leaf: left}
		node.right = &treeNode{leaf: right}
		// loop again: node is now a branch and will be descended below.
	}
}

// registerEndpointLocked claims the contact's endpoint for its ID. If
// a different ID had previously claimed that endpoint, the prior ID is
// evicted from the table — endpoints rebind to the freshest claimant.
// Caller must hold rt.mu.
func (rt *RoutingTable) registerEndpointLocked(c Contact) {
	key := c.Endpoint.String()
	if prior, ok := rt.endpoints[key]; ok && !prior.Equal(c.ID) {
		rt.removeLocked(prior)
	}
	rt.endpoints[key] = c.ID
}

// Remove deletes the contact with the given ID from the table and its
// endpoint mapping, returning it and true if it was present.
func (rt *RoutingTable) Remove(id ID) (Contact, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.removeLocked(id)
}

func (rt *RoutingTable) removeLocked(id ID) (Contact, bool) {
	node, _, _ := rt.findBucketLocked(id)
	c, ok := node.leaf.remove(id)
	if ok {
		delete(rt.endpoints, c.Endpoint.String())
	}
	return c, ok
}

// MarkRefreshed stamps the bucket currently covering id as refreshed
// at now.
func (rt *RoutingTable) MarkRefreshed(id ID, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	node, _, _ := rt.findBucketLocked(id)
	node.leaf.markRefreshed(now)
}

// Find returns up to n contacts closest to id, sorted by ascending XOR
// distance to id. It descends first into the child matching id's bit
// at each depth, then the sibling if fewer than n contacts have been
// accumulated yet.
func (rt *RoutingTable) Find(id ID, n int) []Contact {
	if n <= 0 {
		n = rt.k
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	list := newLookupList(id, n)
	rt.findRec(rt.root, id, 0, list)
	return list.getContacts()
}

func (rt *RoutingTable) findRec(node *treeNode, id ID, depth int, list *lookupList) {
	if node.leaf != nil {
		list.insertMany(node.leaf.obtain(0))
		return
	}
	bit := id.Bit(depth)
	primary, secondary := node.left, node.right
	if bit {
		primary, secondary = node.right, node.left
	}
	rt.findRec(primary, id, depth+1, list)
	if list.len() < list.capacity() {
		rt.findRec(secondary, id, depth+1, list)
	}
}

// CountClosestNodes counts contacts in the table strictly closer to
// the local ID than id is — i.e. contacts c with
// CompareDistance(localID, id, c.ID) > 0.
func (rt *RoutingTable) CountClosestNodes(id ID) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	count := 0
	rt.walk(rt.root, func(c Contact) {
		if CompareDistance(rt.localID, id, c.ID) > 0 {
			count++
		}
	})
	return count
}

func (rt *RoutingTable) walk(node *treeNode, fn func(Contact)) {
	if node.leaf != nil {
		for _, c := range node.leaf.contacts {
			fn(c)
		}
		return
	}
	rt.walk(node.left, fn)
	rt.walk(node.right, fn)
}

func (rt *RoutingTable) walkBuckets(node *treeNode, fn func(*bucket)) {
	if node.leaf != nil {
		fn(node.leaf)
		return
	}
	rt.walkBuckets(node.left, fn)
	rt.walkBuckets(node.right, fn)
}

// DueForRefresh walks all leaf buckets and, for each whose refresh is
// due (never refreshed, or refreshedAt+interval <= now), marks it
// refreshed at now and includes a weakly random ID within its prefix
// in the returned slice. The caller is expected to run
// iterative_find_node on each returned ID.
func (rt *RoutingTable) DueForRefresh(interval time.Duration, now time.Time, rng *mrand.Rand) []ID {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var targets []ID
	rt.walkBuckets(rt.root, func(b *bucket) {
		if _, due := b.nextRefreshTime(interval, now); due {
			targets = append(targets, b.randomID(rng))
			b.markRefreshed(now)
		}
	})
	return targets
}

// NextRefreshDeadline returns the earliest future refresh time across
// all buckets, capped at now+interval. Call after DueForRefresh so
// just-refreshed buckets contribute refreshedAt+interval rather than
// an immediate due time.
func (rt *RoutingTable) NextRefreshDeadline(interval time.Duration, now time.Time) time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	earliest := now.Add(interval)
	rt.walkBuckets(rt.root, func(b *bucket) {
		due, isDue := b.nextRefreshTime(interval, now)
		if isDue {
			due = now.Add(interval)
		}
		if due.Before(earliest) {
			earliest = due
		}
	})
	return earliest
}

// Stats is a read-only snapshot of the table's population, used for
// introspection (Node.Stats).
type Stats struct {
	Buckets  int
	Contacts int
}

// TableStats returns the current bucket and contact counts.
func (rt *RoutingTable) TableStats() Stats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var s Stats
	rt.walkBuckets(rt.root, func(b *bucket) {
		s.Buckets++
		s.Contacts += b.len()
	})
	return s
}
