// Package engine implements the pairing-and-relay core: the matchmaking
// queue, the session-pair registry, and the per-connection rate limiter.
// The engine never owns a transport channel; it tracks references handed
// to it by the transport layer and reports pairing outcomes to the caller.
package engine

// Conn is the engine's view of one connected participant. The transport
// layer owns the underlying channel; the engine only inspects identity
// and liveness.
type Conn interface {
	// ID returns the connection's unique identifier.
	ID() string
	// IsOpen reports whether the underlying channel is still open.
	IsOpen() bool
}
