// Package vdpengine implements the protocol engine (component D): it
// composes the frame codec, the streaming parser and the transaction
// table, classifies extracted frames, emits NAKs for invalid input via a
// send callback, and exposes blocking and non-blocking send APIs.
package vdpengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shikamaru-ctrl/vdp-server/internal/logging"
	"github.com/shikamaru-ctrl/vdp-server/internal/metrics"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdptxn"
)

// ResponseStatus is the status byte taxonomy carried in data[0] of a
// response frame.
type ResponseStatus byte

const (
	StatusSuccess        ResponseStatus = 0x00
	StatusInvalidCommand ResponseStatus = 0x01
	StatusInvalidData    ResponseStatus = 0x02
	StatusEcuBusy        ResponseStatus = 0x03
	StatusTimeout        ResponseStatus = 0xFE // synthesized by the table, never on the wire
	StatusGeneralError   ResponseStatus = 0xFF
	StatusInvalidStatus  ResponseStatus = 0x80 // sentinel for an unrecognized peer status code
)

// SendFunc transmits already-serialized wire bytes to the transport. It
// must not re-enter the engine synchronously on the calling goroutine.
type SendFunc func([]byte) error

// Sentinel errors returned by Send and SendAndWait. ErrNoSendFunc is
// returned as is; ErrWaitCancelled is wrapped with the context's error.
var (
	ErrNoSendFunc    = errors.New("vdpengine: no send function configured")
	ErrWaitCancelled = errors.New("vdpengine: send_and_wait cancelled")
)

// Engine wires the codec (A), the streaming parser (B) and the
// transaction table (C) together.
type Engine struct {
	parser   *vdp.Parser
	table    *vdptxn.Table
	send     SendFunc
	log      *slog.Logger
	observer func(vdp.Frame)
}

// New constructs an Engine. send is the outbound callback used by Send,
// SendAndWait and the engine's own NAK emission.
func New(send SendFunc) *Engine {
	return &Engine{
		parser: vdp.NewParser(),
		table:  vdptxn.New(),
		send:   send,
		log:    logging.Component("engine"),
	}
}

// SetUnsolicitedSink registers a callback invoked for unsolicited, non
// KeepAlive frames that match no pending transaction (e.g. for a bus
// monitor tap). May be left unset.
func (e *Engine) SetUnsolicitedSink(fn func(vdp.Frame)) { e.table.Unsolicited = fn }

// SetObserver registers a callback invoked for every successfully decoded
// frame, regardless of routing outcome — the tap the bus-monitor bridge
// (component F) uses. It runs synchronously on the intake goroutine, so it
// must not block; the bridge hub's Broadcast is non-blocking by design.
func (e *Engine) SetObserver(fn func(vdp.Frame)) { e.observer = fn }

// Table exposes the underlying transaction table, e.g. for a periodic
// timeout-sweep goroutine driven by the daemon.
func (e *Engine) Table() *vdptxn.Table { return e.table }

// Intake feeds raw transport bytes through the parser and classifies every
// extracted outcome. It sweeps expired transactions first, matching the
// design's "sweep at the start of every extract" rule.
func (e *Engine) Intake(b []byte) {
	e.table.CheckTimeouts()
	e.parser.Feed(b)
	for _, o := range e.parser.Extract() {
		e.classify(o)
	}
}

func (e *Engine) classify(o vdp.Outcome) {
	switch o.Kind {
	case vdp.OutcomeSuccess:
		e.classifySuccess(o.Frame)
	case vdp.OutcomeInvalid:
		e.classifyInvalid(o)
	case vdp.OutcomeIncomplete:
		// no action
	}
}

func (e *Engine) classifySuccess(f vdp.Frame) {
	if e.observer != nil {
		e.observer(f)
	}
	switch f.Command {
	case vdp.CmdAcknowledge, vdp.CmdNegativeAck:
		if !e.table.RouteControl(f) {
			e.log.Debug("control_frame_unmatched", "command", f.Command)
		}
		return
	case vdp.CmdKeepAlive:
		// KeepAlive is silently dropped whether or not it matches a pending
		// entry, so a KeepAlive registered through Send never completes with
		// a response and resolves only by timeout.
		return
	}

	if f.IsResponse() {
		if len(f.Data) > 0 {
			status := ResponseStatus(f.Data[0])
			// §9 open question resolved: 0x00 is Success, not InvalidStatus.
			if status == StatusInvalidStatus {
				e.nak(f, StatusInvalidStatus)
				return
			}
		}
		if !e.table.RouteResponse(f) {
			e.log.Debug("response_unmatched", "ecu", f.EcuID, "command", f.Command)
			if e.table.Unsolicited != nil {
				e.table.Unsolicited(f)
			}
		}
		return
	}

	// An inbound "request" with no pending correlation context (e.g. the
	// peer addressed us directly) falls through to the unsolicited sink.
	if e.table.Unsolicited != nil {
		e.table.Unsolicited(f)
	}
}

func (e *Engine) classifyInvalid(o vdp.Outcome) {
	switch o.Reason {
	case vdp.ReasonBadChecksum, vdp.ReasonBadEnd:
		// Both reasons retain the full declared-length window in
		// OffendingBytes, so ECU/command are still readable even though
		// the frame itself is rejected — the engine can identify the
		// intended command and NAKs it with GeneralError.
		if len(o.OffendingBytes) >= 4 {
			ecu := o.OffendingBytes[2] &^ vdp.EcuResponseBit
			cmd := o.OffendingBytes[3]
			e.sendNak(ecu, cmd, StatusGeneralError)
			return
		}
		e.nakGeneral()
	case vdp.ReasonBadLength, vdp.ReasonGarbageBeforeStart:
		// A single offending byte (or an unstructured garbage run) carries
		// no recoverable command context; drop per §7's propagation policy.
	}
}

// nak serializes and sends a targeted NAK referencing the offending
// frame's ECU.
func (e *Engine) nak(f vdp.Frame, status ResponseStatus) {
	e.sendNak(f.RequestEcuID(), f.Command, status)
}

// nakGeneral sends a NAK with no recoverable ECU/command context.
func (e *Engine) nakGeneral() {
	e.sendNak(vdp.EcuKeepAlive, vdp.CmdNegativeAck, StatusGeneralError)
}

func (e *Engine) sendNak(ecu, cmd byte, status ResponseStatus) {
	if e.send == nil {
		return
	}
	frame := vdp.Frame{EcuID: ecu | vdp.EcuResponseBit, Command: vdp.CmdNegativeAck, Data: []byte{cmd, byte(status)}}
	wire, err := vdp.Serialize(frame)
	if err != nil {
		e.log.Warn("nak_serialize_failed", "error", err)
		return
	}
	if err := e.send(wire); err != nil {
		e.log.Warn("nak_send_failed", "error", err)
		metrics.IncError(metrics.ErrTransportWrite)
		return
	}
	metrics.IncNakSent()
}

// Send registers a pending entry, serializes frame and writes it via the
// send callback. It is non-blocking: h is invoked exactly once, later,
// from whichever goroutine resolves the transaction.
func (e *Engine) Send(frame vdp.Frame, h vdptxn.Handler, timeout time.Duration) (byte, error) {
	if e.send == nil {
		return 0, ErrNoSendFunc
	}
	seq, err := e.table.Register(frame, h, timeout)
	if err != nil {
		return 0, err
	}
	wire, err := vdp.Serialize(frame)
	if err != nil {
		e.table.Cancel(seq)
		return 0, fmt.Errorf("vdpengine: serialize: %w", err)
	}
	if err := e.send(wire); err != nil {
		e.table.Cancel(seq)
		metrics.IncError(metrics.ErrTransportWrite)
		return 0, fmt.Errorf("vdpengine: send: %w", err)
	}
	return seq, nil
}

// SendAndWait blocks until the handler fires or ctx/timeout expires. On
// cancellation it removes the pending entry before returning, per the
// design's cancellation rule.
func (e *Engine) SendAndWait(ctx context.Context, frame vdp.Frame, timeout time.Duration) (vdptxn.Result, error) {
	resCh := make(chan vdptxn.Result, 1)
	seq, err := e.Send(frame, func(r vdptxn.Result) {
		select {
		case resCh <- r:
		default:
		}
	}, timeout)
	if err != nil {
		return vdptxn.Result{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resCh:
		return r, nil
	case <-timer.C:
		e.table.Cancel(seq)
		return vdptxn.Result{Kind: vdptxn.ResultTimeout}, nil
	case <-ctx.Done():
		e.table.Cancel(seq)
		return vdptxn.Result{}, fmt.Errorf("%w: %v", ErrWaitCancelled, ctx.Err())
	}
}
