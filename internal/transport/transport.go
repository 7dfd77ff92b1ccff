// Package transport defines the named external contract the protocol
// engine is wired against: something that can be opened, read from, sent
// to, and torn down. The core codec/engine never imports a concrete
// transport; callers (the daemon, tests) choose one.
package transport

import "context"

// Transport is the external collaborator named in the design: physical
// serial/CAN/Bluetooth links, or a mock, all satisfy this.
type Transport interface {
	// Open establishes the underlying connection/link.
	Open(ctx context.Context) error
	// Send writes p in full to the underlying link.
	Send(p []byte) (int, error)
	// Read reads available bytes into p, blocking until at least one byte
	// is available or the link reports an error.
	Read(p []byte) (int, error)
	// Close tears down the link. Safe to call multiple times.
	Close() error
	// IsConnected reports the current link state.
	IsConnected() bool
	// LastError returns the most recent transport-level error, if any.
	LastError() error
}

// ErrorCallback is invoked by a Transport on asynchronous link failures
// (e.g. a serial port yanked out from under a read), independent of the
// error returned by Read/Send.
type ErrorCallback func(error)

// DataCallback is invoked by a Transport when bytes arrive out-of-band of
// a blocking Read call (event-driven transports may prefer this over
// Read). Transports that only support blocking Read may leave this unset.
type DataCallback func([]byte)
