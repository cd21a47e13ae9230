package dht

import "context"

// PingRequest is the payload of a ping RPC.
type PingRequest struct {
	ID ID
}

// PingResponse is the reply to a ping RPC.
type PingResponse struct {
	RemoteID ID
}

// StoreRequest is the payload of a store RPC.
type StoreRequest struct {
	ID      ID
	IDKey   ID
	Subkey  string
	Value   []byte
	Expire  int64 // unix millis; used only when HasTTL is true
	HasTTL  bool  // false means "use the responder's default TTL"
}

// FindNodeRequest is the payload of a findNode RPC.
type FindNodeRequest struct {
	ID       ID
	TargetID ID
}

// FindNodeResponse is the reply to a findNode RPC.
type FindNodeResponse struct {
	Contacts []Contact
}

// FindValueRequest is the payload of a findValue RPC.
type FindValueRequest struct {
	ID       ID
	TargetID ID
	IDKey    ID
	Subkey   string
}

// ValueEntry is one subkey's value as returned by an all-subkeys
// findValue response.
type ValueEntry struct {
	Subkey string
	Value  []byte
	Expire int64
	HasTTL bool
}

// FindValueResponse is the reply to a findValue RPC. When the request
// named a specific subkey, Found/Value/Expire/HasTTL carry that single
// result. When the request's Subkey was empty ("all subkeys"), Values
// carries every subkey the responder had cached for IDKey instead.
// Failing either, Contacts carries the responder's closest known
// contacts to TargetID.
type FindValueResponse struct {
	Found    bool
	Value    []byte
	Expire   int64
	HasTTL   bool
	Values   []ValueEntry
	Contacts []Contact
}

// RPCHandler processes an incoming request from endpoint and returns a
// response payload or an error. The concrete payload/response types
// match the method it was registered for.
type RPCHandler func(ctx context.Context, from Endpoint, payload any) (any, error)

// RPC is the transport capability the DHT core requires. Framing,
// serialization, and delivery are the transport's concern; the core
// only calls these five operations and registers handlers for the
// inbound side.
type RPC interface {
	Ping(ctx context.Context, ep Endpoint, req PingRequest) (PingResponse, error)
	Store(ctx context.Context, ep Endpoint, req StoreRequest) error
	FindNode(ctx context.Context, ep Endpoint, req FindNodeRequest) (FindNodeResponse, error)
	FindValue(ctx context.Context, ep Endpoint, req FindValueRequest) (FindValueResponse, error)
	Receive(method string, handler RPCHandler)
}

// RPC method names, used by transports to key their Receive dispatch
// table.
const (
	MethodPing      = "ping"
	MethodStore     = "store"
	MethodFindNode  = "findNode"
	MethodFindValue = "findValue"
)
