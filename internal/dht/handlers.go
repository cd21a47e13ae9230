package dht

import (
	"context"
	"fmt"
	"time"
)

// registerHandlers wires every RPC method this node answers to the
// transport's dispatch table. Every handler first records the sender
// as a discovered contact, per Kademlia's rule that any message from a
// peer is itself a sighting.
func (n *Node) registerHandlers() {
	n.rpc.Receive(MethodPing, n.onPing)
	n.rpc.Receive(MethodStore, n.onStore)
	n.rpc.Receive(MethodFindNode, n.onFindNode)
	n.rpc.Receive(MethodFindValue, n.onFindValue)
}

func (n *Node) onPing(ctx context.Context, from Endpoint, payload any) (any, error) {
	req, ok := payload.(PingRequest)
	if !ok {
		return nil, newValidationError("onPing", fmt.Errorf("unexpected payload type %T", payload))
	}
	n.discovered(NewContact(req.ID, from))
	return PingResponse{RemoteID: n.id}, nil
}

// onStore accepts a published value, defaulting its expiration to the
// node's configured TTL when the sender didn't set one. It is
// acknowledge-only: fire-and-forget from the caller's perspective, so
// there is no acceptance/rejection payload beyond a nil error.
func (n *Node) onStore(ctx context.Context, from Endpoint, payload any) (any, error) {
	req, ok := payload.(StoreRequest)
	if !ok {
		return nil, newValidationError("onStore", fmt.Errorf("unexpected payload type %T", payload))
	}
	n.discovered(NewContact(req.ID, from))

	var expire *time.Time
	if req.HasTTL {
		t := time.UnixMilli(req.Expire)
		expire = &t
	} else {
		t := n.opts.Clock.Now().Add(n.opts.ExpireTime)
		expire = &t
	}
	n.cache.Store(req.IDKey.Hex(), req.Subkey, req.Value, expire, n.opts.Clock.Now())
	return struct{}{}, nil
}

func (n *Node) onFindNode(ctx context.Context, from Endpoint, payload any) (any, error) {
	req, ok := payload.(FindNodeRequest)
	if !ok {
		return nil, newValidationError("onFindNode", fmt.Errorf("unexpected payload type %T", payload))
	}
	n.discovered(NewContact(req.ID, from))
	contacts := excludeID(n.table.Find(req.TargetID, n.opts.BucketSize), req.ID)
	return FindNodeResponse{Contacts: contacts}, nil
}

// excludeID returns contacts with any entry matching id removed,
// preserving order. Used so a requestor never gets its own contact
// reflected back from a peer that just learned about it.
func excludeID(contacts []Contact, id ID) []Contact {
	out := contacts[:0:0]
	for _, c := range contacts {
		if !c.ID.Equal(id) {
			out = append(out, c)
		}
	}
	return out
}

// onFindValue answers with a cached value if this node holds one for
// the requested subkey (or every subkey, when Subkey is empty, via the
// all-subkeys Values slice), falling back to the closest known
// contacts otherwise.
func (n *Node) onFindValue(ctx context.Context, from Endpoint, payload any) (any, error) {
	req, ok := payload.(FindValueRequest)
	if !ok {
		return nil, newValidationError("onFindValue", fmt.Errorf("unexpected payload type %T", payload))
	}
	n.discovered(NewContact(req.ID, from))

	if req.Subkey != "" {
		if e, ok := n.cache.Get(req.IDKey.Hex(), req.Subkey); ok {
			return valueResponse(e), nil
		}
	} else if entries := n.cache.GetAll(req.IDKey.Hex()); len(entries) > 0 {
		values := make([]ValueEntry, 0, len(entries))
		for subkey, e := range entries {
			ve := ValueEntry{Subkey: subkey, Value: e.Value}
			if e.Expire != nil {
				ve.Expire = e.Expire.UnixMilli()
				ve.HasTTL = true
			}
			values = append(values, ve)
		}
		return FindValueResponse{Values: values}, nil
	}

	contacts := excludeID(n.table.Find(req.TargetID, n.opts.BucketSize), req.ID)
	return FindValueResponse{Contacts: contacts}, nil
}

func valueResponse(e CacheEntry) FindValueResponse {
	resp := FindValueResponse{Found: true, Value: e.Value}
	if e.Expire != nil {
		resp.Expire = e.Expire.UnixMilli()
		resp.HasTTL = true
	}
	return resp
}
