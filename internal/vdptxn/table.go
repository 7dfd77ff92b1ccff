// Package vdptxn implements the transaction table (component C): it maps
// outstanding requests to response handlers with per-request deadlines,
// routes matching responses and ACK/NAK control frames, and expires
// entries whose deadline has elapsed.
package vdptxn

import (
	"errors"
	"sync"
	"time"

	"github.com/shikamaru-ctrl/vdp-server/internal/metrics"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
)

// ErrTableFull is returned by Register when all 256 sequence slots are live.
var ErrTableFull = errors.New("vdptxn: table full")

// ResultKind tags the variant delivered to a Handler.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultNack
	ResultTimeout
)

// NackReason mirrors the status byte taxonomy carried in data[1] of a NAK
// control frame.
type NackReason byte

const (
	NackInvalidCommand NackReason = 0x01
	NackInvalidData    NackReason = 0x02
	NackEcuBusy        NackReason = 0x03
	NackGeneralError   NackReason = 0xFF
	NackUnspecified    NackReason = 0x00
)

// Result is delivered to a Handler exactly once.
type Result struct {
	Kind     ResultKind
	Response vdp.Frame  // valid when Kind == ResultSuccess
	Reason   NackReason // valid when Kind == ResultNack
}

// Handler is called exactly once per registered request, from whichever
// goroutine resolves it first: the one routing an inbound frame, or the
// sweep goroutine expiring the deadline.
type Handler func(Result)

// pendingEntry is a live row in the table.
type pendingEntry struct {
	seq      byte
	request  vdp.Frame
	handler  Handler
	deadline time.Time
	done     bool
}

// Table is the transaction table. Safe for concurrent Register/RouteResponse/
// RouteControl/CheckTimeouts from independent goroutines.
type Table struct {
	mu      sync.Mutex
	entries map[byte]*pendingEntry
	next    byte

	// Unsolicited is invoked for a non-control, non-KeepAlive frame that
	// matches no live entry. May be nil, in which case such frames are
	// silently dropped.
	Unsolicited func(vdp.Frame)

	// clock is overridable for deterministic tests.
	clock func() time.Time
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		entries: make(map[byte]*pendingEntry),
		clock:   time.Now,
	}
}

// Register allocates the next free sequence number, inserts a pending
// entry with the given deadline, and returns the assigned sequence. It
// fails with ErrTableFull if all 256 sequence values are currently live.
func (t *Table) Register(req vdp.Frame, h Handler, timeout time.Duration) (byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= 256 {
		return 0, ErrTableFull
	}
	seq := t.next
	for i := 0; i < 256; i++ {
		if _, live := t.entries[seq]; !live {
			break
		}
		seq++
	}
	if _, live := t.entries[seq]; live {
		return 0, ErrTableFull
	}
	t.next = seq + 1

	t.entries[seq] = &pendingEntry{
		seq:      seq,
		request:  req,
		handler:  h,
		deadline: t.clock().Add(timeout),
	}
	metrics.IncTransactionRegistered()
	metrics.SetTransactionsLive(len(t.entries))
	return seq, nil
}

// Cancel removes a pending entry without invoking its handler (used by
// send_and_wait on interrupted waits). It is a no-op if the entry already
// completed or never existed.
func (t *Table) Cancel(seq byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, seq)
	metrics.SetTransactionsLive(len(t.entries))
}

// RouteResponse matches an incoming non-control frame by (ecu, command),
// stripping the response bit from the incoming ecu id. Ties among multiple
// live matches break toward the oldest deadline. Returns true if the frame
// was routed to a pending entry; false means the frame was unsolicited.
func (t *Table) RouteResponse(resp vdp.Frame) bool {
	t.mu.Lock()
	var match *pendingEntry
	for _, e := range t.entries {
		if e.done {
			continue
		}
		if e.request.Command != resp.Command {
			continue
		}
		if e.request.EcuID != resp.RequestEcuID() {
			continue
		}
		if match == nil || e.deadline.Before(match.deadline) {
			match = e
		}
	}
	if match == nil {
		t.mu.Unlock()
		return false
	}
	match.done = true
	delete(t.entries, match.seq)
	live := len(t.entries)
	t.mu.Unlock()

	metrics.SetTransactionsLive(live)
	metrics.IncTransactionCompleted("success")
	match.handler(Result{Kind: ResultSuccess, Response: resp})
	return true
}

// RouteControl handles an ACK/NAK control frame. data[0] carries the
// sequence it refers to; data[1], if present, carries the NAK reason.
// Malformed (empty data) or unmatched control frames are dropped.
func (t *Table) RouteControl(ctrl vdp.Frame) bool {
	if len(ctrl.Data) < 1 {
		return false
	}
	seq := ctrl.Data[0]

	t.mu.Lock()
	e, ok := t.entries[seq]
	if !ok || e.done {
		t.mu.Unlock()
		return false
	}
	e.done = true
	delete(t.entries, seq)
	live := len(t.entries)
	t.mu.Unlock()

	metrics.SetTransactionsLive(live)

	if ctrl.Command == vdp.CmdAcknowledge {
		metrics.IncTransactionCompleted("success")
		e.handler(Result{Kind: ResultSuccess, Response: ctrl})
		return true
	}

	reason := NackUnspecified
	if len(ctrl.Data) >= 2 {
		reason = NackReason(ctrl.Data[1])
	}
	metrics.IncTransactionCompleted("nack")
	e.handler(Result{Kind: ResultNack, Reason: reason})
	return true
}

// CheckTimeouts expires every live entry whose deadline has elapsed,
// invoking its handler with ResultTimeout. Called at the start of every
// protocol engine intake pass and optionally on a timer tick.
func (t *Table) CheckTimeouts() {
	now := t.clock()

	t.mu.Lock()
	var expired []*pendingEntry
	for seq, e := range t.entries {
		if e.done {
			continue
		}
		if !e.deadline.After(now) {
			e.done = true
			expired = append(expired, e)
			delete(t.entries, seq)
		}
	}
	live := len(t.entries)
	t.mu.Unlock()

	if len(expired) > 0 {
		metrics.SetTransactionsLive(live)
	}
	for _, e := range expired {
		metrics.IncTransactionCompleted("timeout")
		e.handler(Result{Kind: ResultTimeout})
	}
}

// Live returns the number of currently outstanding entries.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
