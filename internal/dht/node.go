package dht

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Node is a Kademlia DHT peer: it ties together a routing table, an
// iterative lookup engine, and a local value cache behind the public
// API (Bootstrap, Set/Get, Peek) and the RPC handlers transports
// dispatch into (handlers.go). The transport itself, and everything
// below RPC framing, is supplied by the caller through the RPC
// interface.
type Node struct {
	id      ID
	opts    Options
	rpc     RPC
	table   *RoutingTable
	cache   *Cache
	metrics Metrics

	mu       sync.Mutex
	evicting map[ID]bool

	refreshLoop   *loop
	replicateLoop *loop
}

// Spawn creates a Node bound to localID and the given RPC transport,
// registers its RPC handlers, and starts its background refresh and
// replication loops. Callers must arrange for the transport to
// deliver inbound requests to the RPC's registered handlers.
func Spawn(localID ID, transport RPC, opts Options) *Node {
	opts = opts.withDefaults()
	n := &Node{
		id:       localID,
		opts:     opts,
		rpc:      transport,
		table:    NewRoutingTable(localID, opts.BucketSize),
		cache:    NewCache(),
		evicting: make(map[ID]bool),
	}
	n.registerHandlers()
	n.refreshLoop = newLoop(n.refreshCycle)
	n.replicateLoop = newLoop(n.replicateCycle)
	n.refreshLoop.Start()
	n.replicateLoop.Start()
	return n
}

// ID returns this node's identifier.
func (n *Node) ID() ID { return n.id }

// Table returns the routing table, useful for testing and
// introspection.
func (n *Node) Table() *RoutingTable { return n.table }

// Metrics returns the node's counters.
func (n *Node) Metrics() *Metrics { return &n.metrics }

// NodeStats is a point-in-time introspection snapshot.
type NodeStats struct {
	ID      ID
	Table   Stats
	Metrics MetricsSnapshot
}

// Stats returns a snapshot of the node's routing table population and
// counters.
func (n *Node) Stats() NodeStats {
	return NodeStats{
		ID:      n.id,
		Table:   n.table.TableStats(),
		Metrics: n.metrics.Snapshot(),
	}
}

// Close stops the background loops. It does not close the transport,
// which the caller owns.
func (n *Node) Close() error {
	n.refreshLoop.Stop()
	n.replicateLoop.Stop()
	return nil
}

// resolveKeyID implements the KeyInput polymorphism from the design
// notes (Id(ID) | Str(string)): a caller may address a key either by
// an already-computed ID or by the raw string it hashes from.
func resolveKeyID(key any) (ID, error) {
	switch k := key.(type) {
	case ID:
		return k, nil
	case string:
		return FromKey([]byte(k)), nil
	case []byte:
		return FromKey(k), nil
	default:
		return ID{}, newValidationError("resolveKeyID", fmt.Errorf("unsupported key type %T", key))
	}
}

// discovered records a newly-observed contact in the routing table,
// resolving an eviction candidate by pinging the bucket's oldest
// contact (Kademlia's "ping-replace" rule).
func (n *Node) discovered(c Contact) {
	if c.ID.Equal(n.id) {
		return
	}
	status, oldest := n.table.Store(c)
	if status == StoreEvictionCandidate {
		n.probeEviction(oldest, c)
	}
}

// probeEviction pings the bucket's oldest contact in the background.
// If it fails to respond it is evicted and replaced by candidate;
// otherwise its bucket is marked refreshed and candidate is dropped.
// At most one eviction probe runs at a time per node; a candidate
// that arrives while one is outstanding is dropped.
func (n *Node) probeEviction(oldest, candidate Contact) {
	n.mu.Lock()
	if len(n.evicting) > 0 {
		n.mu.Unlock()
		return
	}
	n.evicting[oldest.ID] = true
	n.mu.Unlock()

	n.metrics.evictionProbes.Add(1)
	go func() {
		defer func() {
			n.mu.Lock()
			delete(n.evicting, oldest.ID)
			n.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
		defer cancel()
		_, err := n.rpc.Ping(ctx, oldest.Endpoint, PingRequest{ID: n.id})
		if err != nil {
			n.metrics.rpcErrors.Add(1)
			n.table.Remove(oldest.ID)
			n.table.Store(candidate)
			return
		}
		n.table.MarkRefreshed(oldest.ID, n.opts.Clock.Now())
	}()
}

// discoverViaPing pings a seed contact to learn its real ID, then
// records it.
func (n *Node) discoverViaPing(ctx context.Context, c Contact) {
	cctx, cancel := context.WithTimeout(ctx, n.opts.RPCTimeout)
	defer cancel()
	resp, err := n.rpc.Ping(cctx, c.Endpoint, PingRequest{ID: n.id})
	if err != nil {
		n.metrics.rpcErrors.Add(1)
		return
	}
	n.discovered(NewContact(resp.RemoteID, c.Endpoint))
}

// Bootstrap pings every seed contact and then performs a self-lookup
// to populate the routing table with nearby peers.
func (n *Node) Bootstrap(ctx context.Context, seeds []Contact) error {
	var wg sync.WaitGroup
	for _, s := range seeds {
		wg.Add(1)
		go func(c Contact) {
			defer wg.Done()
			n.discoverViaPing(ctx, c)
		}(s)
	}
	wg.Wait()

	_, err := n.FindNode(ctx, n.id)
	return err
}

// FindNode runs an iterative FIND_NODE lookup for target, returning
// the k closest contacts discovered.
func (n *Node) FindNode(ctx context.Context, target ID) ([]Contact, error) {
	seed := n.table.Find(target, n.opts.BucketSize)
	n.metrics.lookupsStarted.Add(1)
	l := newLookup(target, n.opts.BucketSize, n.opts.Concurrency, modeFindNode, ZeroID, "", seed)
	result := n.runLookup(ctx, l)
	return result.Shortlist, nil
}

// Set stores (subkey, value) under key both in the local cache, as
// the authoritative publisher, and on the k nodes closest to the
// key's ID. ttl of zero uses the node's configured default expiration.
func (n *Node) Set(ctx context.Context, key any, subkey string, value []byte, ttl time.Duration) error {
	return n.MultiSet(ctx, key, map[string][]byte{subkey: value}, ttl)
}

// MultiSet stores several subkeys under the same key in a single
// lookup round.
func (n *Node) MultiSet(ctx context.Context, key any, values map[string][]byte, ttl time.Duration) error {
	idKey, err := resolveKeyID(key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = n.opts.ExpireTime
	}
	now := n.opts.Clock.Now()

	for subkey, value := range values {
		n.cache.Store(idKey.Hex(), subkey, value, nil, now)
	}

	contacts, err := n.FindNode(ctx, idKey)
	if err != nil {
		return err
	}

	expireAt := now.Add(ttl)
	var wg sync.WaitGroup
	for _, c := range contacts {
		for subkey, value := range values {
			wg.Add(1)
			go func(c Contact, subkey string, value []byte) {
				defer wg.Done()
				cctx, cancel := context.WithTimeout(ctx, n.opts.RPCTimeout)
				defer cancel()
				req := StoreRequest{
					ID: n.id, IDKey: idKey, Subkey: subkey, Value: value,
					Expire: expireAt.UnixMilli(), HasTTL: true,
				}
				if err := n.rpc.Store(cctx, c.Endpoint, req); err != nil {
					n.metrics.rpcErrors.Add(1)
				}
			}(c, subkey, value)
		}
	}
	wg.Wait()
	return nil
}

// Get retrieves a single subkey's value, checking the local cache
// first and falling back to an iterative FIND_VALUE lookup. On a
// network hit the value is cached locally and, per the standard
// Kademlia optimization, at the closest queried contact that did not
// already hold it.
func (n *Node) Get(ctx context.Context, key any, subkey string) ([]byte, error) {
	idKey, err := resolveKeyID(key)
	if err != nil {
		return nil, err
	}
	if e, ok := n.cache.Get(idKey.Hex(), subkey); ok {
		return e.Value, nil
	}

	seed := n.table.Find(idKey, n.opts.BucketSize)
	n.metrics.lookupsStarted.Add(1)
	l := newLookup(idKey, n.opts.BucketSize, n.opts.Concurrency, modeFindValueSingle, idKey, subkey, seed)
	result := n.runLookup(ctx, l)
	if !result.Found {
		return nil, ErrNotFound
	}
	n.metrics.lookupsAborted.Add(1)

	now := n.opts.Clock.Now()
	n.cache.Store(idKey.Hex(), subkey, result.Value, result.Expire, now)
	if result.HasClosestMiss {
		n.cacheAt(ctx, result.ClosestMiss, idKey, subkey, result.Value, result.Expire)
	}
	return result.Value, nil
}

// MultiGet retrieves several subkeys under the same key in a single
// lookup round, returning only those actually found.
func (n *Node) MultiGet(ctx context.Context, key any, subkeys []string) (map[string][]byte, error) {
	all, err := n.GetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(subkeys))
	for _, s := range subkeys {
		if v, ok := all[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

// GetAll retrieves every subkey held under key, merging local cache
// entries with an iterative FIND_VALUE (all-subkeys mode) lookup.
func (n *Node) GetAll(ctx context.Context, key any) (map[string][]byte, error) {
	idKey, err := resolveKeyID(key)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte)
	for subkey, e := range n.cache.GetAll(idKey.Hex()) {
		out[subkey] = e.Value
	}

	seed := n.table.Find(idKey, n.opts.BucketSize)
	n.metrics.lookupsStarted.Add(1)
	l := newLookup(idKey, n.opts.BucketSize, n.opts.Concurrency, modeFindValueAll, idKey, "", seed)
	result := n.runLookup(ctx, l)

	now := n.opts.Clock.Now()
	for subkey, sv := range result.BySubkey {
		out[subkey] = sv.Value
		n.cache.Store(idKey.Hex(), subkey, sv.Value, sv.Expire, now)
	}
	return out, nil
}

// cacheAt pushes a found value to a single contact's cache, used for
// the cache-on-path optimization after a successful Get.
func (n *Node) cacheAt(ctx context.Context, c Contact, idKey ID, subkey string, value []byte, expire *time.Time) {
	req := StoreRequest{ID: n.id, IDKey: idKey, Subkey: subkey, Value: value}
	if expire != nil {
		req.Expire = expire.UnixMilli()
		req.HasTTL = true
	}
	cctx, cancel := context.WithTimeout(ctx, n.opts.RPCTimeout)
	defer cancel()
	if err := n.rpc.Store(cctx, c.Endpoint, req); err != nil {
		n.metrics.rpcErrors.Add(1)
	}
}

// Peek reads a single subkey from the local cache only, performing no
// network activity.
func (n *Node) Peek(key any, subkey string) ([]byte, error) {
	idKey, err := resolveKeyID(key)
	if err != nil {
		return nil, err
	}
	e, ok := n.cache.Get(idKey.Hex(), subkey)
	if !ok {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// PeekAll reads every subkey held locally under key, performing no
// network activity.
func (n *Node) PeekAll(key any) (map[string][]byte, error) {
	idKey, err := resolveKeyID(key)
	if err != nil {
		return nil, err
	}
	entries := n.cache.GetAll(idKey.Hex())
	out := make(map[string][]byte, len(entries))
	for subkey, e := range entries {
		out[subkey] = e.Value
	}
	return out, nil
}
