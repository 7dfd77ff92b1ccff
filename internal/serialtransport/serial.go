// Package serialtransport adapts github.com/tarm/serial — the same
// dependency the teacher stack uses for its UART CAN backend — to the
// engine's transport.Transport contract, for talking to a physical
// diagnostic cable.
package serialtransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// port is the subset of *serial.Port this package depends on, so tests can
// substitute a fake without opening a real device.
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openFunc is overridable in tests.
var openFunc = func(name string, baud int, readTimeout time.Duration) (port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Serial implements transport.Transport over a UART link.
type Serial struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration

	mu        sync.Mutex
	p         port
	connected bool
	lastErr   error
}

func (s *Serial) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := openFunc(s.Name, s.Baud, s.ReadTimeout)
	if err != nil {
		s.lastErr = err
		return err
	}
	s.p = p
	s.connected = true
	return nil
}

func (s *Serial) Send(b []byte) (int, error) {
	s.mu.Lock()
	p := s.p
	s.mu.Unlock()
	if p == nil {
		return 0, errors.New("serialtransport: not open")
	}
	n, err := p.Write(b)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
	return n, err
}

func (s *Serial) Read(b []byte) (int, error) {
	s.mu.Lock()
	p := s.p
	s.mu.Unlock()
	if p == nil {
		return 0, errors.New("serialtransport: not open")
	}
	n, err := p.Read(b)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
	return n, err
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return nil
	}
	err := s.p.Close()
	s.p = nil
	s.connected = false
	return err
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Serial) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
