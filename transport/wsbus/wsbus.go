// Package wsbus implements transport.Bus over WebSocket connections, for
// provider processes running outside the engine's process. Grounded on
// cklxx-elephant.ai's use of github.com/gorilla/websocket for its
// client/server message loop.
package wsbus

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gleitzeit-dev/gleitzeit/telemetry"
	"github.com/gleitzeit-dev/gleitzeit/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bus accepts provider connections over an http.Server via ServeHTTP and
// hands each upgraded socket to the engine through Accept.
type Bus struct {
	logger telemetry.Logger

	mu       sync.Mutex
	pending  chan *Conn
	closed   bool
}

// New constructs a Bus ready to be registered as an http.Handler.
func New(logger telemetry.Logger, backlog int) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if backlog <= 0 {
		backlog = 16
	}
	return &Bus{logger: logger, pending: make(chan *Conn, backlog)}
}

// ServeHTTP upgrades the incoming request to a WebSocket and offers the
// resulting connection to Accept. Mount this at the provider ingress path
// (spec §4.7 "providers connect outbound to the engine").
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	c := &Conn{ws: ws}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ws.Close()
		return
	}
	b.mu.Unlock()

	select {
	case b.pending <- c:
	case <-r.Context().Done():
		_ = ws.Close()
	}
}

// Accept implements transport.Bus.
func (b *Bus) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c, ok := <-b.pending:
		if !ok {
			return nil, fmt.Errorf("wsbus: closed")
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements transport.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.pending)
	}
	return nil
}

// Conn wraps a single *websocket.Conn as a transport.Conn, serializing
// Envelopes as JSON text frames.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	idMu    sync.Mutex
	providerID string
}

// Send implements transport.Conn. gorilla/websocket requires writes to be
// serialized per-connection; writeMu enforces that.
func (c *Conn) Send(ctx context.Context, env transport.Envelope) error {
	if env.Kind == transport.KindRegisterProvider {
		c.idMu.Lock()
		c.providerID = env.ProviderID
		c.idMu.Unlock()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// Recv implements transport.Conn. It does not observe ctx: a blocked read
// returns only when a frame arrives or the socket fails or is closed.
func (c *Conn) Recv(ctx context.Context) (transport.Envelope, error) {
	var env transport.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return transport.Envelope{}, err
	}
	if env.Kind == transport.KindRegisterProvider {
		c.idMu.Lock()
		c.providerID = env.ProviderID
		c.idMu.Unlock()
	}
	return env, nil
}

// ProviderID implements transport.Conn.
func (c *Conn) ProviderID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.providerID
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.ws.Close()
}
