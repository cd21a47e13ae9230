package dht

import (
	"context"
	"sync"
	"time"
)

// replicateCycle pushes every cache entry whose due interval has
// elapsed out to the k nodes currently closest to its key. Entries
// with no expiration are locally published values, due on the slower
// RepublishTime cadence rather than ReplicateTime, and are republished
// with a fresh default TTL rather than their (nonexistent) prior
// expiration.
func (n *Node) replicateCycle() {
	now := n.opts.Clock.Now()
	due, next := n.cache.DueForReplication(n.opts.ReplicateTime, n.opts.RepublishTime, now)
	for _, e := range due {
		go n.replicateEntry(e)
	}

	d := next.Sub(n.opts.Clock.Now())
	if d < 0 {
		d = 0
	}
	n.replicateLoop.arm(n.opts.Clock.AfterFunc(d, func() {
		if n.replicateLoop.isRunning() {
			n.replicateCycle()
		}
	}))
}

func (n *Node) replicateEntry(e dueEntry) {
	id, err := FromHex(e.IDHex)
	if err != nil {
		logf(n.opts.Logger, "replicate", "bad cache key %q: %v", e.IDHex, err)
		return
	}

	budget := n.opts.RPCTimeout * time.Duration(n.opts.Concurrency+1)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	contacts, err := n.FindNode(ctx, id)
	if err != nil {
		logf(n.opts.Logger, "replicate", "lookup for %s failed: %v", id, err)
		return
	}

	expire := e.Entry.Expire
	if expire == nil {
		t := n.opts.Clock.Now().Add(n.opts.ExpireTime)
		expire = &t
	}

	var wg sync.WaitGroup
	for _, c := range contacts {
		wg.Add(1)
		go func(c Contact) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, n.opts.RPCTimeout)
			defer cancel()
			req := StoreRequest{
				ID: n.id, IDKey: id, Subkey: e.Subkey, Value: e.Entry.Value,
				Expire: expire.UnixMilli(), HasTTL: true,
			}
			if err := n.rpc.Store(cctx, c.Endpoint, req); err != nil {
				n.metrics.rpcErrors.Add(1)
			}
		}(c)
	}
	wg.Wait()

	n.metrics.cacheReplications.Add(1)
	n.cache.MarkReplicated(e.IDHex, e.Subkey, n.opts.Clock.Now())
}
