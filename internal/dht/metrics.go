package dht

import "sync/atomic"

// Metrics holds lightweight counters for observability. It has no
// dependency on a metrics backend; callers that want to export these
// (Prometheus, logs, etc.) read Snapshot() periodically.
type Metrics struct {
	lookupsStarted   atomic.Int64
	lookupsAborted   atomic.Int64
	rpcErrors        atomic.Int64
	evictionProbes   atomic.Int64
	cacheReplications atomic.Int64
}

// MetricsSnapshot is a point-in-time read of Metrics.
type MetricsSnapshot struct {
	LookupsStarted    int64
	LookupsAborted    int64
	RPCErrors         int64
	EvictionProbes    int64
	CacheReplications int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		LookupsStarted:    m.lookupsStarted.Load(),
		LookupsAborted:    m.lookupsAborted.Load(),
		RPCErrors:         m.rpcErrors.Load(),
		EvictionProbes:    m.evictionProbes.Load(),
		CacheReplications: m.cacheReplications.Load(),
	}
}
