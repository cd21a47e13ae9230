package dht

import (
	"log"
	"time"
)

// Options configures a Node. Zero-value fields are filled in with the
// package defaults by Spawn.
type Options struct {
	// BucketSize (k) is the max contacts per bucket and the shortlist
	// size for lookups. Default 20.
	BucketSize int
	// Concurrency (alpha) is the number of parallel in-flight RPCs per
	// lookup. Default 3.
	Concurrency int
	// ExpireTime is the default TTL applied to a store when the
	// caller/payload omits one. Default 24h10s.
	ExpireTime time.Duration
	// RefreshTime is the bucket refresh cadence. Default 1h.
	RefreshTime time.Duration
	// ReplicateTime is the cache replication cadence. Default 1h.
	ReplicateTime time.Duration
	// RepublishTime is the publisher republish cadence. Default 24h.
	RepublishTime time.Duration
	// RPCTimeout bounds a single outgoing RPC call. Default 5s.
	RPCTimeout time.Duration

	// Clock is the time/timer source; defaults to SystemClock.
	Clock Clock
	// Logger receives diagnostic output from background loops.
	// Defaults to log.Default().
	Logger *log.Logger
}

const (
	defaultBucketSize    = 20
	defaultConcurrency   = 3
	defaultExpireTime    = 24*time.Hour + 10*time.Second
	defaultRefreshTime   = time.Hour
	defaultReplicateTime = time.Hour
	defaultRepublishTime = 24 * time.Hour
	defaultRPCTimeout    = 5 * time.Second
)

// withDefaults returns a copy of o with zero-value fields replaced by
// package defaults.
func (o Options) withDefaults() Options {
	if o.BucketSize == 0 {
		o.BucketSize = defaultBucketSize
	}
	if o.Concurrency == 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.ExpireTime == 0 {
		o.ExpireTime = defaultExpireTime
	}
	if o.RefreshTime == 0 {
		o.RefreshTime = defaultRefreshTime
	}
	if o.ReplicateTime == 0 {
		o.ReplicateTime = defaultReplicateTime
	}
	if o.RepublishTime == 0 {
		o.RepublishTime = defaultRepublishTime
	}
	if o.RPCTimeout == 0 {
		o.RPCTimeout = defaultRPCTimeout
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}
