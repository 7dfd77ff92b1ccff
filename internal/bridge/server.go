package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shikamaru-ctrl/vdp-server/internal/logging"
	"github.com/shikamaru-ctrl/vdp-server/internal/metrics"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
)

// Sentinel errors. Serve wraps ErrListen and ErrAccept, Shutdown wraps
// ErrShutdownWait; ErrHandshake and ErrConnWrite are not returned by this
// package. Metrics count failures under the label constants in
// internal/metrics, not by inspecting these values.
var (
	ErrListen       = errors.New("listen")
	ErrAccept       = errors.New("accept")
	ErrHandshake    = errors.New("handshake")
	ErrConnWrite    = errors.New("conn_write")
	ErrShutdownWait = errors.New("shutdown_wait_timeout")
)

// Server is a read-only TCP fan-out of decoded frames observed by the
// engine. It never writes to the vehicle bus; component D remains the sole
// owner of the transaction table and the sole writer to the transport.
type Server struct {
	mu               sync.Mutex
	addr             string
	hub              *Hub
	handshakeTimeout time.Duration
	logger           *slog.Logger

	listener  net.Listener
	readyOnce sync.Once
	readyCh   chan struct{}

	clientsMu sync.Mutex
	clients   map[*Client]net.Conn
	wg        sync.WaitGroup
	nextConn  uint64
}

// NewServer constructs a bridge Server bound to addr (":0" picks a free
// port), fanning frames out through hub.
func NewServer(addr string, hub *Hub, handshakeTimeout time.Duration) *Server {
	if addr == "" {
		addr = ":0"
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 3 * time.Second
	}
	return &Server{
		addr:             addr,
		hub:              hub,
		handshakeTimeout: handshakeTimeout,
		logger:           logging.Component("bridge"),
		readyCh:          make(chan struct{}),
		clients:          make(map[*Client]net.Conn),
	}
}

// Addr returns the bound address, valid after Ready() closes.
func (s *Server) Addr() string { s.mu.Lock(); defer s.mu.Unlock(); return s.addr }

// Ready closes once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Broadcast publishes a decoded frame to every connected observer.
func (s *Server) Broadcast(f vdp.Frame) { s.hub.Broadcast(f) }

// Serve accepts observer connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("bridge_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("%w: %v", ErrAccept, err)
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := atomic.AddUint64(&s.nextConn, 1)
	log := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	ecuFilter, err := handshake(ctx, conn, s.handshakeTimeout, roleServer, 0)
	if err != nil {
		metrics.IncError(metrics.ErrBridgeHandshake)
		log.Warn("handshake_failed", "error", err)
		_ = conn.Close()
		return
	}

	bufSize := 512
	if s.hub.OutBufSize > 0 {
		bufSize = s.hub.OutBufSize
	}
	cl := &Client{Out: make(chan vdp.Frame, bufSize), Closed: make(chan struct{})}
	if ecuFilter != ecuFilterAny {
		cl.Filter = FilterByEcu(ecuFilter)
	}
	s.hub.Add(cl)

	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	log.Info("observer_connected", "ecu_filter", ecuFilterLogValue(ecuFilter))

	s.wg.Add(1)
	go s.writerLoop(ctx, conn, cl, log)
	s.wg.Add(1)
	go s.stopOnConnClose(conn, cl)
}

// ecuFilterLogValue renders a subscription byte for the observer_connected
// log line, so "any" reads clearly instead of the raw 0x80 sentinel.
func ecuFilterLogValue(ecu byte) string {
	if ecu == ecuFilterAny {
		return "any"
	}
	return fmt.Sprintf("0x%02x", ecu)
}

// writerLoop streams observed frames to conn until the observer
// disconnects, is kicked, or the engine shuts down.
func (s *Server) writerLoop(ctx context.Context, conn net.Conn, cl *Client, log *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.hub.Remove(cl)
		s.clientsMu.Lock()
		delete(s.clients, cl)
		s.clientsMu.Unlock()
		log.Info("observer_disconnected")
	}()
	for {
		select {
		case f := <-cl.Out:
			wire, err := vdp.Serialize(f)
			if err != nil {
				continue
			}
			if _, err := conn.Write(wire); err != nil {
				metrics.IncError(metrics.ErrBridgeWrite)
				return
			}
		case <-cl.Closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stopOnConnClose watches for the observer hanging up so the writer loop
// exits promptly instead of blocking on cl.Out forever.
func (s *Server) stopOnConnClose(conn net.Conn, cl *Client) {
	defer s.wg.Done()
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			cl.Close()
			return
		}
		// Observers aren't expected to send anything; any inbound byte is
		// ignored since this is a read-only monitor tap.
	}
}

// Shutdown closes the listener and all observer connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShutdownWait, ctx.Err())
	case <-done:
		return nil
	}
}
