package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/kadcore/internal/dht"
)

// WSEndpoint is a dial address ("host:port"), the dht.Endpoint used
// by the WebSocket transport.
type WSEndpoint string

func (e WSEndpoint) String() string { return string(e) }

// envelope is the wire frame for every request, response, and error
// exchanged over a WS connection. Requests and their matching
// response/error are correlated by ID, generated with google/uuid.
type envelope struct {
	ID        string          `json:"id"`
	Method    string          `json:"method,omitempty"`
	Kind      string          `json:"kind"`
	From      string          `json:"from,omitempty"` // sender's own dial address, self-reported
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

const (
	kindRequest  = "request"
	kindResponse = "response"
	kindError    = "error"
)

// wsConn wraps a websocket connection with a write mutex: gorilla's
// connections do not support concurrent writers, so every write must
// be serialized per connection.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) writeEnvelope(env envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(env)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WS is a WebSocket implementation of dht.RPC. Each outbound
// connection is dialed lazily and cached for reuse; each inbound
// connection runs its own read loop dispatching requests to the
// handlers registered via Receive and routing responses back to the
// waiting caller by envelope ID.
type WS struct {
	self    WSEndpoint
	privKey ed25519.PrivateKey
	pubKeys map[WSEndpoint]ed25519.PublicKey // optional, for verifying inbound signatures

	mu    sync.RWMutex
	conns map[WSEndpoint]*wsConn

	handlersMu sync.RWMutex
	handlers   map[string]dht.RPCHandler

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	limiterMu  sync.Mutex
	limiters   map[string]*connRateLimiter
	rate       int
	rateWindow time.Duration

	listener net.Listener
	server   *http.Server
}

// connRateLimiter enforces a sliding-window cap on inbound requests
// from a single connection. Unlike a fixed-window counter it tracks
// the actual timestamps of recent requests, so a burst straddling a
// window boundary can't slip through twice the configured rate.
type connRateLimiter struct {
	mu     sync.Mutex
	times  []time.Time
	limit  int
	window time.Duration
}

func newConnRateLimiter(limit int, window time.Duration) *connRateLimiter {
	return &connRateLimiter{limit: limit, window: window}
}

func (l *connRateLimiter) allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.times = kept

	if len(l.times) >= l.limit {
		return false
	}
	l.times = append(l.times, now)
	return true
}

// NewWS creates a WebSocket transport bound to self (this node's own
// dial address). privKey may be nil to disable outgoing signatures.
// rate/rateWindow bound inbound requests per remote connection.
func NewWS(self WSEndpoint, privKey ed25519.PrivateKey, rate int, rateWindow time.Duration) *WS {
	return &WS{
		self:       self,
		privKey:    privKey,
		pubKeys:    make(map[WSEndpoint]ed25519.PublicKey),
		conns:      make(map[WSEndpoint]*wsConn),
		handlers:   make(map[string]dht.RPCHandler),
		pending:    make(map[string]chan envelope),
		limiters:   make(map[string]*connRateLimiter),
		rate:       rate,
		rateWindow: rateWindow,
	}
}

// TrustPeerKey registers the Ed25519 public key expected from ep, so
// inbound envelopes signed by it are verified rather than merely
// accepted. Peers with no registered key are not verified.
func (w *WS) TrustPeerKey(ep WSEndpoint, pub ed25519.PublicKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pubKeys[ep] = pub
}

// Listen starts an HTTP server upgrading connections to WebSocket on
// /ws. Port 0 binds to a random available port.
func (w *WS) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	w.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleInbound)
	w.server = &http.Server{Handler: mux}
	go w.server.Serve(ln) //nolint:errcheck
	return nil
}

// Addr returns the listener's network address, or "" if not
// listening.
func (w *WS) Addr() string {
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Close shuts down the listener and every open connection.
func (w *WS) Close() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w.server.Shutdown(ctx) //nolint:errcheck
	}
	w.mu.Lock()
	for ep, c := range w.conns {
		c.conn.Close()
		delete(w.conns, ep)
	}
	w.mu.Unlock()
	return nil
}

// Receive implements dht.RPC.
func (w *WS) Receive(method string, handler dht.RPCHandler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[method] = handler
}

func (w *WS) handleInbound(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	w.readLoop(&wsConn{conn: conn}, r.RemoteAddr)
}

func (w *WS) dial(ep WSEndpoint) (*wsConn, error) {
	w.mu.RLock()
	c, ok := w.conns[ep]
	w.mu.RUnlock()
	if ok {
		return c, nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", string(ep)), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	conn.SetReadLimit(1 << 20)
	c = &wsConn{conn: conn}

	w.mu.Lock()
	w.conns[ep] = c
	w.mu.Unlock()

	go w.readLoop(c, string(ep))
	return c, nil
}

// readLoop dispatches inbound frames until the connection errors or
// closes: requests are routed to registered handlers (rate-limited
// per remote), responses and errors are routed to whatever call is
// waiting on that envelope ID.
func (w *WS) readLoop(c *wsConn, remote string) {
	defer c.conn.Close()

	limiter := w.limiterFor(remote)
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Kind {
		case kindRequest:
			if limiter != nil && !limiter.allow(time.Now()) {
				c.writeEnvelope(envelope{ID: env.ID, Kind: kindError, Error: "rate limit exceeded"}) //nolint:errcheck
				continue
			}
			go w.handleRequest(c, env)
		case kindResponse, kindError:
			w.pendingMu.Lock()
			ch, ok := w.pending[env.ID]
			w.pendingMu.Unlock()
			if ok {
				ch <- env
			}
		}
	}
}

func (w *WS) limiterFor(remote string) *connRateLimiter {
	if w.rate <= 0 {
		return nil
	}
	w.limiterMu.Lock()
	defer w.limiterMu.Unlock()
	l, ok := w.limiters[remote]
	if !ok {
		l = newConnRateLimiter(w.rate, w.rateWindow)
		w.limiters[remote] = l
	}
	return l
}

func (w *WS) handleRequest(c *wsConn, env envelope) {
	w.handlersMu.RLock()
	handler, ok := w.handlers[env.Method]
	w.handlersMu.RUnlock()
	if !ok {
		c.writeEnvelope(envelope{ID: env.ID, Kind: kindError, Error: fmt.Sprintf("no handler for %q", env.Method)}) //nolint:errcheck
		return
	}

	if err := w.checkSignature(env); err != nil {
		c.writeEnvelope(envelope{ID: env.ID, Kind: kindError, Error: err.Error()}) //nolint:errcheck
		return
	}

	payload, err := decodeRequest(env.Method, env.Payload)
	if err != nil {
		c.writeEnvelope(envelope{ID: env.ID, Kind: kindError, Error: err.Error()}) //nolint:errcheck
		return
	}

	resp, err := handler(context.Background(), WSEndpoint(env.From), payload)
	if err != nil {
		c.writeEnvelope(envelope{ID: env.ID, Kind: kindError, Error: err.Error()}) //nolint:errcheck
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		c.writeEnvelope(envelope{ID: env.ID, Kind: kindError, Error: err.Error()}) //nolint:errcheck
		return
	}
	c.writeEnvelope(envelope{ID: env.ID, Kind: kindResponse, Payload: body}) //nolint:errcheck
}

// checkSignature verifies env's signature against the public key
// registered for its claimed sender via TrustPeerKey. A sender with
// no registered key is unauthenticated rather than rejected — the
// network only enforces authentication for peers it was explicitly
// told to trust.
func (w *WS) checkSignature(env envelope) error {
	w.mu.RLock()
	pub, ok := w.pubKeys[WSEndpoint(env.From)]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	return verifyEnvelope(pub, env.ID, env.Method, env.Timestamp, env.Payload, env.Signature)
}

func decodeRequest(method string, raw json.RawMessage) (any, error) {
	switch method {
	case dht.MethodPing:
		var req dht.PingRequest
		err := json.Unmarshal(raw, &req)
		return req, err
	case dht.MethodStore:
		var req dht.StoreRequest
		err := json.Unmarshal(raw, &req)
		return req, err
	case dht.MethodFindNode:
		var req dht.FindNodeRequest
		err := json.Unmarshal(raw, &req)
		return req, err
	case dht.MethodFindValue:
		var req dht.FindValueRequest
		err := json.Unmarshal(raw, &req)
		return req, err
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (w *WS) call(ctx context.Context, ep dht.Endpoint, method string, req any) (json.RawMessage, error) {
	target, ok := ep.(WSEndpoint)
	if !ok {
		return nil, fmt.Errorf("ws transport: endpoint %v is not a WSEndpoint", ep)
	}
	c, err := w.dial(target)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	id := uuid.NewString()
	ts := time.Now().UnixMilli()
	env := envelope{ID: id, Method: method, Kind: kindRequest, From: string(w.self), Timestamp: ts, Payload: payload}
	if w.privKey != nil {
		env.Signature = signEnvelope(w.privKey, id, method, ts, payload)
	}

	ch := make(chan envelope, 1)
	w.pendingMu.Lock()
	w.pending[id] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
	}()

	if err := c.writeEnvelope(env); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Kind == kindError {
			return nil, fmt.Errorf("%s: %s", method, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping implements dht.RPC.
func (w *WS) Ping(ctx context.Context, ep dht.Endpoint, req dht.PingRequest) (dht.PingResponse, error) {
	raw, err := w.call(ctx, ep, dht.MethodPing, req)
	if err != nil {
		return dht.PingResponse{}, err
	}
	var resp dht.PingResponse
	err = json.Unmarshal(raw, &resp)
	return resp, err
}

// Store implements dht.RPC.
func (w *WS) Store(ctx context.Context, ep dht.Endpoint, req dht.StoreRequest) error {
	_, err := w.call(ctx, ep, dht.MethodStore, req)
	return err
}

// FindNode implements dht.RPC.
func (w *WS) FindNode(ctx context.Context, ep dht.Endpoint, req dht.FindNodeRequest) (dht.FindNodeResponse, error) {
	raw, err := w.call(ctx, ep, dht.MethodFindNode, req)
	if err != nil {
		return dht.FindNodeResponse{}, err
	}
	// dht.Contact.Endpoint is an interface, so contacts are decoded via
	// a concrete WSEndpoint and rebuilt.
	var wire struct {
		Contacts []struct {
			ID       dht.ID
			Endpoint WSEndpoint
		}
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return dht.FindNodeResponse{}, err
	}
	var resp dht.FindNodeResponse
	for _, c := range wire.Contacts {
		resp.Contacts = append(resp.Contacts, dht.NewContact(c.ID, c.Endpoint))
	}
	return resp, nil
}

// FindValue implements dht.RPC.
func (w *WS) FindValue(ctx context.Context, ep dht.Endpoint, req dht.FindValueRequest) (dht.FindValueResponse, error) {
	raw, err := w.call(ctx, ep, dht.MethodFindValue, req)
	if err != nil {
		return dht.FindValueResponse{}, err
	}
	// The outer Contacts field shadows the embedded one, so contacts are
	// decoded via a concrete WSEndpoint and rebuilt.
	var wire struct {
		dht.FindValueResponse
		Contacts []struct {
			ID       dht.ID
			Endpoint WSEndpoint
		}
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return dht.FindValueResponse{}, err
	}
	resp := wire.FindValueResponse
	for _, c := range wire.Contacts {
		resp.Contacts = append(resp.Contacts, dht.NewContact(c.ID, c.Endpoint))
	}
	return resp, nil
}
