// Package transport provides RPC implementations of dht.RPC: an
// in-process Memory transport for tests and single-process
// demonstrations, and a WebSocket transport for real networked nodes.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ssd-technologies/kadcore/internal/dht"
)

// MemoryEndpoint identifies a node within a Network by a logical
// address; no socket backs it.
type MemoryEndpoint string

func (e MemoryEndpoint) String() string { return string(e) }

// Network is a shared in-process registry of Memory transports,
// routing calls directly between registered peers within one process.
// This is what lets lookup.go's iterative fan-out be exercised without
// a real socket in tests.
type Network struct {
	mu    sync.RWMutex
	peers map[MemoryEndpoint]*Memory
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{peers: make(map[MemoryEndpoint]*Memory)}
}

// Memory is an RPC transport that delivers calls directly to another
// Memory transport's registered handlers within the same network. It
// implements dht.RPC.
type Memory struct {
	network  *Network
	endpoint MemoryEndpoint

	mu       sync.RWMutex
	handlers map[string]dht.RPCHandler
}

// NewTransport registers and returns a new Memory transport for
// endpoint within net.
func (net *Network) NewTransport(endpoint MemoryEndpoint) *Memory {
	m := &Memory{network: net, endpoint: endpoint, handlers: make(map[string]dht.RPCHandler)}
	net.mu.Lock()
	net.peers[endpoint] = m
	net.mu.Unlock()
	return m
}

// Receive implements dht.RPC.
func (m *Memory) Receive(method string, handler dht.RPCHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

func (m *Memory) call(ctx context.Context, ep dht.Endpoint, method string, payload any) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	target, ok := ep.(MemoryEndpoint)
	if !ok {
		return nil, fmt.Errorf("memory transport: endpoint %v is not a MemoryEndpoint", ep)
	}
	m.network.mu.RLock()
	peer, ok := m.network.peers[target]
	m.network.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory transport: no peer registered at %s", target)
	}

	peer.mu.RLock()
	handler, ok := peer.handlers[method]
	peer.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory transport: peer %s has no handler for %s", target, method)
	}
	return handler(ctx, m.endpoint, payload)
}

// Ping implements dht.RPC.
func (m *Memory) Ping(ctx context.Context, ep dht.Endpoint, req dht.PingRequest) (dht.PingResponse, error) {
	resp, err := m.call(ctx, ep, dht.MethodPing, req)
	if err != nil {
		return dht.PingResponse{}, err
	}
	return resp.(dht.PingResponse), nil
}

// Store implements dht.RPC.
func (m *Memory) Store(ctx context.Context, ep dht.Endpoint, req dht.StoreRequest) error {
	_, err := m.call(ctx, ep, dht.MethodStore, req)
	return err
}

// FindNode implements dht.RPC.
func (m *Memory) FindNode(ctx context.Context, ep dht.Endpoint, req dht.FindNodeRequest) (dht.FindNodeResponse, error) {
	resp, err := m.call(ctx, ep, dht.MethodFindNode, req)
	if err != nil {
		return dht.FindNodeResponse{}, err
	}
	return resp.(dht.FindNodeResponse), nil
}

// FindValue implements dht.RPC.
func (m *Memory) FindValue(ctx context.Context, ep dht.Endpoint, req dht.FindValueRequest) (dht.FindValueResponse, error) {
	resp, err := m.call(ctx, ep, dht.MethodFindValue, req)
	if err != nil {
		return dht.FindValueResponse{}, err
	}
	return resp.(dht.FindValueResponse), nil
}
