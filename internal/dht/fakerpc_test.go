package dht

import (
	"context"
	"fmt"
	"sync"
)

// fakeEndpoint and fakeRPC together let node_test.go wire up several
// real *Node instances against each other within a single process,
// without involving the transport package (importing it here would
// create an import cycle, since transport imports dht).
type fakeEndpoint string

func (e fakeEndpoint) String() string { return string(e) }

type fakeNetwork struct {
	mu    sync.Mutex
	peers map[fakeEndpoint]*fakeRPC
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{peers: make(map[fakeEndpoint]*fakeRPC)}
}

type fakeRPC struct {
	net      *fakeNetwork
	endpoint fakeEndpoint
	handlers map[string]RPCHandler
	down     bool
}

func (net *fakeNetwork) newRPC(ep fakeEndpoint) *fakeRPC {
	r := &fakeRPC{net: net, endpoint: ep, handlers: make(map[string]RPCHandler)}
	net.mu.Lock()
	net.peers[ep] = r
	net.mu.Unlock()
	return r
}

func (r *fakeRPC) Receive(method string, h RPCHandler) {
	r.handlers[method] = h
}

func (r *fakeRPC) call(ctx context.Context, ep Endpoint, method string, payload any) (any, error) {
	target, ok := ep.(fakeEndpoint)
	if !ok {
		return nil, fmt.Errorf("fake rpc: endpoint %v is not a fakeEndpoint", ep)
	}
	r.net.mu.Lock()
	peer, ok := r.net.peers[target]
	r.net.mu.Unlock()
	if !ok || peer.down {
		return nil, fmt.Errorf("fake rpc: peer %s unreachable", target)
	}
	h, ok := peer.handlers[method]
	if !ok {
		return nil, fmt.Errorf("fake rpc: peer %s has no handler for %s", target, method)
	}
	return h(ctx, r.endpoint, payload)
}

func (r *fakeRPC) Ping(ctx context.Context, ep Endpoint, req PingRequest) (PingResponse, error) {
	resp, err := r.call(ctx, ep, MethodPing, req)
	if err != nil {
		return PingResponse{}, err
	}
	return resp.(PingResponse), nil
}

func (r *fakeRPC) Store(ctx context.Context, ep Endpoint, req StoreRequest) error {
	_, err := r.call(ctx, ep, MethodStore, req)
	return err
}

func (r *fakeRPC) FindNode(ctx context.Context, ep Endpoint, req FindNodeRequest) (FindNodeResponse, error) {
	resp, err := r.call(ctx, ep, MethodFindNode, req)
	if err != nil {
		return FindNodeResponse{}, err
	}
	return resp.(FindNodeResponse), nil
}

func (r *fakeRPC) FindValue(ctx context.Context, ep Endpoint, req FindValueRequest) (FindValueResponse, error) {
	resp, err := r.call(ctx, ep, MethodFindValue, req)
	if err != nil {
		return FindValueResponse{}, err
	}
	return resp.(FindValueResponse), nil
}
