package transport

import "context"

// Conn is one bidirectional connection to a single provider process,
// regardless of underlying transport (spec §4.7).
type Conn interface {
	// Send writes env to the connection. Safe for concurrent use.
	Send(ctx context.Context, env Envelope) error
	// Recv blocks until the next Envelope arrives or ctx is cancelled.
	Recv(ctx context.Context) (Envelope, error)
	// ProviderID identifies the provider this connection belongs to, once
	// known (empty until a register_provider envelope has been received).
	ProviderID() string
	// Close releases the connection's resources.
	Close() error
}

// Bus accepts provider connections and hands each to the engine via
// Accept. The engine owns the lifetime of every accepted Conn; the
// registry (spec §4.2) holds only a weak reference to the provider id
// (spec §3.3 invariant 7).
type Bus interface {
	// Accept blocks until a new provider connection is established.
	Accept(ctx context.Context) (Conn, error)
	// Close stops accepting new connections.
	Close() error
}
