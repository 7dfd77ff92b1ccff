package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
)

// AsyncTx is a reusable asynchronous byte-frame transmitter that funnels
// writes through a single goroutine (fan-in). It provides non-blocking
// enqueue semantics: if the target lane's buffer is full, SendFrame invokes
// the configured OnDrop hook and returns its error (usually an overflow
// sentinel). This keeps producers — the engine's send callback — from
// blocking behind a slow or wedged device/backend.
//
// Frames queue onto one of two lanes, chosen by peeking the command byte at
// wire offset 3 (the position vdp.Serialize always writes it to): ACK/NAK
// replies and KeepAlive traffic go on the control lane, everything else goes
// on the data lane. The worker always drains the control lane first. Without
// this split, a burst of large ReadData/WriteData payloads queued ahead of a
// NAK or KeepAlive would make an unrelated peer's transaction time out, or
// make a keep-alive late enough that the peer thinks the link is down, even
// though the link itself is healthy — only the transmit order was wrong.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(wire)
//	a.Close()
//
// After Close returns no more frames will be processed, but (by design) the
// channels are not left open for new sends; additional SendFrame calls
// return ErrAsyncTxClosed. Callers should not send after Close.
//
// Hooks let each transport keep distinct metrics/logging without
// duplicating the goroutine + buffer plumbing.
type AsyncTx struct {
	mu     sync.Mutex
	chCtrl chan []byte
	chData chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func([]byte) error
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the target lane's buffer is full; its returned
	// error is returned from SendFrame. If nil, the overflow is silent.
	OnDrop func() error
}

// controlLaneBuf bounds the control lane independently of the caller's data
// lane size: ACK/NAK/KeepAlive traffic is inherently low-volume (at most one
// outstanding reply per live transaction, capped at 256 by vdptxn.Table), so
// a small fixed lane is enough and keeps a stuck data lane from starving it
// through shared backpressure accounting.
const controlLaneBuf = 64

// NewAsyncTx constructs an AsyncTx with a data lane buffered to buf and a
// fixed-size control lane.
func NewAsyncTx(parent context.Context, buf int, send func([]byte) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		chCtrl: make(chan []byte, controlLaneBuf),
		chData: make(chan []byte, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// isControlWire reports whether a serialized wire frame carries control
// traffic, by inspecting the command byte vdp.Serialize places at offset 3.
func isControlWire(wire []byte) bool {
	if len(wire) < 4 {
		return false
	}
	switch wire[3] {
	case vdp.CmdAcknowledge, vdp.CmdNegativeAck, vdp.CmdKeepAlive:
		return true
	default:
		return false
	}
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		// Opportunistically drain the control lane before ever touching the
		// data lane, so a backlog of data sends can't delay a ready ACK/NAK.
		select {
		case wire, ok := <-a.chCtrl:
			if !ok {
				return
			}
			a.transmit(wire)
			continue
		default:
		}
		select {
		case wire, ok := <-a.chCtrl:
			if !ok {
				return
			}
			a.transmit(wire)
		case wire, ok := <-a.chData:
			if !ok {
				return
			}
			a.transmit(wire)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *AsyncTx) transmit(wire []byte) {
	if err := a.send(wire); err != nil {
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
}

// ErrAsyncTxClosed is returned by SendFrame once Close has been called.
var ErrAsyncTxClosed = errors.New("async tx closed")

// SendFrame queues wire for asynchronous transmission on the lane its
// command byte selects, or returns the drop error if that lane is full.
func (a *AsyncTx) SendFrame(wire []byte) error {
	// Fast-path check so steady-state sends avoid the lock once shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	ch := a.chData
	if isControlWire(wire) {
		ch = a.chCtrl
	}
	select {
	case ch <- wire:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for all pending operations to finish.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.chCtrl)
	close(a.chData)
	a.mu.Unlock()
	a.wg.Wait()
}
