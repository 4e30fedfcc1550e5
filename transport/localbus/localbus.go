// Package localbus implements transport.Bus with in-process Go channels,
// for providers hosted in the same process and for engine tests that want
// a deterministic transport without a real socket. Grounded on the
// teacher's channel-based worker pool in runtime/toolregistry/provider
// (providers and the engine rendezvous over buffered channels rather than
// a wire format).
package localbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/gleitzeit-dev/gleitzeit/transport"
)

// Bus is an in-process transport.Bus. New connections are created with
// Dial from the provider side; the engine consumes them from Accept.
type Bus struct {
	mu      sync.Mutex
	pending chan *Conn
	closed  bool
}

// New constructs an empty Bus with room for backlog pending connections
// before Accept must be called.
func New(backlog int) *Bus {
	if backlog <= 0 {
		backlog = 16
	}
	return &Bus{pending: make(chan *Conn, backlog)}
}

// Dial creates a new in-process connection and offers it to the bus's
// Accept side. It is the provider-side half of establishing a session.
func (b *Bus) Dial(ctx context.Context) (*Conn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("localbus: closed")
	}
	b.mu.Unlock()

	toEngine := make(chan transport.Envelope, 64)
	toProvider := make(chan transport.Envelope, 64)
	engineSide := &Conn{send: toEngine, recv: toProvider}
	providerSide := &Conn{send: toProvider, recv: toEngine}

	select {
	case b.pending <- engineSide:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return providerSide, nil
}

// Accept implements transport.Bus.
func (b *Bus) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c, ok := <-b.pending:
		if !ok {
			return nil, fmt.Errorf("localbus: closed")
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

// Conn is one end of an in-process channel pair.
type Conn struct {
	send chan transport.Envelope
	recv chan transport.Envelope

	mu         sync.Mutex
	providerID string
	closeOnce  sync.Once
}

// Send implements transport.Conn.
func (c *Conn) Send(ctx context.Context, env transport.Envelope) error {
	if env.Kind == transport.KindRegisterProvider {
		c.mu.Lock()
		c.providerID = env.ProviderID
		c.mu.Unlock()
	}
	select {
	case c.send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements transport.Conn.
func (c *Conn) Recv(ctx context.Context) (transport.Envelope, error) {
	select {
	case env, ok := <-c.recv:
		if !ok {
			return transport.Envelope{}, fmt.Errorf("localbus: connection closed")
		}
		if env.Kind == transport.KindRegisterProvider {
			c.mu.Lock()
			c.providerID = env.ProviderID
			c.mu.Unlock()
		}
		return env, nil
	case <-ctx.Done():
		return transport.Envelope{}, ctx.Err()
	}
}

// ProviderID implements transport.Conn.
func (c *Conn) ProviderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providerID
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.send) })
	return nil
}
