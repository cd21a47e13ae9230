package dht

import (
	"context"
	mrand "math/rand"
	"time"
)

// refreshCycle runs one pass of bucket refresh: every bucket whose
// refresh interval has elapsed gets a random lookup targeted within
// its prefix, then the loop reschedules itself for whichever bucket
// comes due next.
func (n *Node) refreshCycle() {
	now := n.opts.Clock.Now()
	rng := mrand.New(mrand.NewSource(now.UnixNano()))
	targets := n.table.DueForRefresh(n.opts.RefreshTime, now, rng)
	for _, target := range targets {
		go n.refreshBucket(target)
	}

	next := n.table.NextRefreshDeadline(n.opts.RefreshTime, now)
	d := next.Sub(n.opts.Clock.Now())
	if d < 0 {
		d = 0
	}
	n.refreshLoop.arm(n.opts.Clock.AfterFunc(d, func() {
		if n.refreshLoop.isRunning() {
			n.refreshCycle()
		}
	}))
}

func (n *Node) refreshBucket(target ID) {
	budget := n.opts.RPCTimeout * time.Duration(n.opts.Concurrency+1)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if _, err := n.FindNode(ctx, target); err != nil {
		logf(n.opts.Logger, "refresh", "lookup for %s failed: %v", target, err)
	}
}
