package dht

import (
	"context"
	"time"
)

// lookupMode selects which of the two iterative searches the engine
// runs, an explicit argument rather than an inferred condition.
type lookupMode int

const (
	modeFindNode lookupMode = iota
	modeFindValueSingle
	modeFindValueAll
)

// subkeyValue is one subkey's winning value during an all-subkeys
// lookup, together with the contact that reported it (needed by the
// tie-breaking rule and by post-lookup caching).
type subkeyValue struct {
	Value  []byte
	Expire *time.Time
	Source Contact
}

// LookupResult is what an iterative lookup returns once it converges.
type LookupResult struct {
	Shortlist []Contact

	// Populated only in modeFindValueSingle, when a value was found.
	Found  bool
	Value  []byte
	Expire *time.Time
	Source Contact

	// ClosestMiss is the closest-to-target contact queried that did
	// not hold the value, valid only when HasClosestMiss is true.
	// Used to implement the Kademlia cache-on-path optimization.
	ClosestMiss    Contact
	HasClosestMiss bool

	// Populated only in modeFindValueAll.
	BySubkey map[string]subkeyValue
}

// lookup is the per-invocation state of one iterative lookup. It is
// driven by a single goroutine (the caller of runLookup); the only
// concurrency is the up-to-alpha probe goroutines, which communicate
// back over a channel and touch no shared state directly.
type lookup struct {
	target ID
	mode   lookupMode
	idHex  ID // idkey used for find_value RPC payloads
	subkey string

	list     *lookupList
	alpha    int
	inFlight int
	aborted  bool

	value      []byte
	expire     *time.Time
	source     Contact
	closestMiss Contact
	haveMiss   bool
	bySubkey   map[string]subkeyValue
}

func newLookup(target ID, k, alpha int, mode lookupMode, idHex ID, subkey string, seed []Contact) *lookup {
	l := &lookup{
		target:   target,
		mode:     mode,
		idHex:    idHex,
		subkey:   subkey,
		list:     newLookupList(target, k),
		alpha:    alpha,
		bySubkey: make(map[string]subkeyValue),
	}
	l.list.insertMany(seed)
	return l
}

// probeResult is what a probe goroutine reports back.
type probeResult struct {
	contact   Contact
	err       error
	nodeResp  FindNodeResponse
	valueResp FindValueResponse
}

// probe performs the single outgoing RPC this lookup mode requires
// against one contact, bounded by the node's RPC timeout.
func (n *Node) probe(ctx context.Context, l *lookup, c Contact, ch chan<- probeResult) {
	cctx, cancel := context.WithTimeout(ctx, n.opts.RPCTimeout)
	defer cancel()

	if l.mode == modeFindNode {
		resp, err := n.rpc.FindNode(cctx, c.Endpoint, FindNodeRequest{ID: n.id, TargetID: l.target})
		ch <- probeResult{contact: c, err: err, nodeResp: resp}
		return
	}

	req := FindValueRequest{ID: n.id, TargetID: l.target, IDKey: l.idHex}
	if l.mode == modeFindValueSingle {
		req.Subkey = l.subkey
	}
	resp, err := n.rpc.FindValue(cctx, c.Endpoint, req)
	ch <- probeResult{contact: c, err: err, valueResp: resp}
}

// launch starts RPCs for as many unqueried shortlist entries as fit
// under the alpha concurrency bound.
func (n *Node) launch(ctx context.Context, l *lookup, ch chan<- probeResult) {
	for l.inFlight < l.alpha {
		c, ok := l.list.next()
		if !ok {
			return
		}
		l.inFlight++
		go n.probe(ctx, l, c, ch)
	}
}

// handleProbeResult applies one response to the lookup state: RPC
// transient failures drop the contact from the shortlist (it may be
// re-seen via another responder); successes merge returned contacts
// and, in find_value modes, apply the abort/tie-break rules.
func (l *lookup) handleProbeResult(selfID ID, r probeResult) {
	if r.err != nil {
		l.list.remove(r.contact.ID)
		return
	}

	var contacts []Contact
	var valueResp FindValueResponse
	isValueMode := l.mode != modeFindNode
	if isValueMode {
		valueResp = r.valueResp
		contacts = valueResp.Contacts
	} else {
		contacts = r.nodeResp.Contacts
	}

	fresh := make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		if !c.ID.Equal(selfID) {
			fresh = append(fresh, c)
		}
	}
	l.list.insertMany(fresh)

	if !isValueMode {
		return
	}

	switch l.mode {
	case modeFindValueSingle:
		if valueResp.Found {
			l.value = valueResp.Value
			l.expire = millisToExpire(valueResp.Expire, valueResp.HasTTL)
			l.source = r.contact
			l.aborted = true
		} else if !l.haveMiss || Closer(l.target, r.contact.ID, l.closestMiss.ID) {
			// Track the closest contact queried so far that did not
			// hold the value, so the caller can cache it there once
			// the value is found elsewhere ("cache at closest
			// non-holder").
			l.closestMiss = r.contact
			l.haveMiss = true
		}
	case modeFindValueAll:
		for _, ve := range valueResp.Values {
			current, have := l.bySubkey[ve.Subkey]
			// Tie-breaking rule: the earliest-reported value for a
			// subkey survives unless a strictly-closer source later
			// reports it. Equal-distance contacts never displace.
			if !have || Closer(l.target, r.contact.ID, current.Source.ID) {
				l.bySubkey[ve.Subkey] = subkeyValue{
					Value:  ve.Value,
					Expire: millisToExpire(ve.Expire, ve.HasTTL),
					Source: r.contact,
				}
			}
		}
	}
}

func millisToExpire(ms int64, hasTTL bool) *time.Time {
	if !hasTTL {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

// runLookup drives the iterative lookup to convergence. Termination is
// guaranteed: every iteration either aborts (single-value find), or
// strictly advances — at least one probe completes and either the
// shortlist gains an entry or the visited set grows by one removal.
func (n *Node) runLookup(ctx context.Context, l *lookup) LookupResult {
	ch := make(chan probeResult)

	n.launch(ctx, l, ch)
	for l.inFlight > 0 {
		r := <-ch
		l.inFlight--
		if l.aborted {
			continue
		}
		l.handleProbeResult(n.id, r)
		if !l.aborted {
			n.launch(ctx, l, ch)
		}
	}

	result := LookupResult{Shortlist: l.list.getContacts()}
	switch l.mode {
	case modeFindValueSingle:
		result.Found = l.aborted
		result.Value = l.value
		result.Expire = l.expire
		result.Source = l.source
		result.ClosestMiss = l.closestMiss
		result.HasClosestMiss = l.haveMiss
	case modeFindValueAll:
		result.BySubkey = l.bySubkey
	}
	return result
}
