// Package bridge implements the bus-monitor bridge (component F): a
// read-only TCP fan-out of the frames the engine observes, so diagnostic
// tooling can sniff live traffic without competing for the transaction
// table. Grounded on the teacher stack's hub/server pair, generalized from
// CAN frames to decoded VDP frames.
package bridge

import (
	"sync"

	"github.com/shikamaru-ctrl/vdp-server/internal/logging"
	"github.com/shikamaru-ctrl/vdp-server/internal/metrics"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
)

// BackpressurePolicy controls what happens when an observer's outbound
// queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Filter reports whether a connected observer wants to receive f. A nil
// Filter matches every frame.
type Filter func(f vdp.Frame) bool

// FilterByEcu returns a Filter that passes only frames addressed to or from
// ecu (the response bit is stripped from both sides before comparing), so an
// observer subscribing to one ECU does not have to see the rest of the bus.
func FilterByEcu(ecu byte) Filter {
	ecu &^= vdp.EcuResponseBit
	return func(f vdp.Frame) bool { return f.RequestEcuID() == ecu }
}

// Client is one connected observer.
type Client struct {
	Out       chan vdp.Frame
	Closed    chan struct{}
	Filter    Filter
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// Hub fans frames out to every connected observer.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New returns an empty Hub.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers an observer.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetBridgeClients(cur)
	if cur == 1 {
		logging.Component("bridge").Info("observers_first_connected")
	}
}

// Remove unregisters an observer; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	select {
	case <-c.Closed:
	default:
		c.Close()
	}
	metrics.SetBridgeClients(cur)
	if existed && cur == 0 {
		logging.Component("bridge").Info("observers_last_disconnected")
	}
}

// Broadcast sends a decoded frame to every observer whose Filter admits it,
// honoring the configured backpressure policy. Never blocks the caller (the
// engine's intake path).
func (h *Hub) Broadcast(f vdp.Frame) {
	clients := h.Snapshot()
	metrics.SetBridgeClients(len(clients))
	for _, c := range clients {
		if c.Filter != nil && !c.Filter(f) {
			continue
		}
		select {
		case c.Out <- f:
		default:
			if h.Policy == PolicyKick {
				metrics.IncBridgeKick()
				c.Close()
			} else {
				metrics.IncBridgeDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active observers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
