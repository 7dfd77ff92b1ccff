// Package mocktransport implements an in-memory loopback transport for
// tests and for the daemon's -transport=mock demo mode. It optionally
// corrupts or drops a configurable fraction of written bytes so the
// parser's resynchronization path gets exercised end-to-end.
package mocktransport

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Loopback is a Transport whose Send feeds straight back into its own Read
// side (minus whatever Corrupt/Drop decide to mangle), useful for driving
// the engine in tests without real hardware.
type Loopback struct {
	mu        sync.Mutex
	buf       []byte
	notify    chan struct{}
	closed    bool
	connected bool
	lastErr   error

	// Corrupt, if set, is applied to every byte written via Send before it
	// is made available to Read; return the byte unchanged to pass it
	// through untouched.
	Corrupt func(b byte) byte
	// Drop, if set, is consulted per byte written via Send; returning true
	// discards the byte instead of looping it back.
	Drop func(b byte) bool
}

// New returns a ready, connected Loopback.
func New() *Loopback {
	return &Loopback{notify: make(chan struct{}, 1), connected: true}
}

func (l *Loopback) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	l.closed = false
	return nil
}

func (l *Loopback) Send(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, errors.New("mocktransport: send on closed loopback")
	}
	for _, b := range p {
		if l.Drop != nil && l.Drop(b) {
			continue
		}
		if l.Corrupt != nil {
			b = l.Corrupt(b)
		}
		l.buf = append(l.buf, b)
	}
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Read blocks until at least one byte is available, the loopback is
// closed (returns io.EOF), or ctx (none here — callers loop on their own
// context) is irrelevant: Read has no ctx parameter per the Transport
// contract, so callers wanting cancellation should close the Loopback.
func (l *Loopback) Read(p []byte) (int, error) {
	for {
		l.mu.Lock()
		if len(l.buf) > 0 {
			n := copy(p, l.buf)
			l.buf = l.buf[n:]
			l.mu.Unlock()
			return n, nil
		}
		if l.closed {
			l.mu.Unlock()
			return 0, io.EOF
		}
		l.mu.Unlock()
		<-l.notify
	}
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.connected = false
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

func (l *Loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Loopback) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
