package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestAsyncTxSuccess verifies frames are sent and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var sent atomic.Int64
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(wire []byte) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame([]byte{byte(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && sent.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
}

// TestAsyncTxOverflow ensures OnDrop is invoked when the data lane is full.
// The wire here is too short to classify as control traffic, so it always
// lands on the data lane regardless of the control/data split.
func TestAsyncTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	ax := NewAsyncTx(ctx, 1, func(wire []byte) error { time.Sleep(150 * time.Millisecond); return nil }, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	if err := ax.SendFrame([]byte{0x7E}); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	if err := ax.SendFrame([]byte{0x7E}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

// TestAsyncTxSendError triggers OnError hook.
func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(wire []byte) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.SendFrame([]byte{0x7E})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

// TestAsyncTxClose stops processing further frames.
func TestAsyncTxClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(wire []byte) error { sent.Add(1); return nil }, Hooks{})
	_ = ax.SendFrame([]byte{0x7E})
	ax.Close()
	countAfterClose := sent.Load()
	_ = ax.SendFrame([]byte{0x7E})
	time.Sleep(50 * time.Millisecond)
	if sent.Load() != countAfterClose {
		t.Fatalf("frame processed after close: before=%d after=%d", countAfterClose, sent.Load())
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tx := NewAsyncTx(ctx, 2, func(wire []byte) error { return nil }, Hooks{})
	tx.Close()
	if err := tx.SendFrame([]byte{0x7E}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(wire []byte) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.SendFrame([]byte{0x7E})
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}

// TestAsyncTxControlJumpsDataQueue proves the control lane is drained ahead
// of a backlog of queued data sends, instead of FIFO across both.
func TestAsyncTxControlJumpsDataQueue(t *testing.T) {
	var mu sync.Mutex
	var order []byte
	first := true
	release := make(chan struct{})

	ax := NewAsyncTx(context.Background(), 4, func(wire []byte) error {
		mu.Lock()
		order = append(order, wire[3])
		mu.Unlock()
		if first {
			first = false
			<-release // hold the worker so the remaining frames queue up behind it
		}
		return nil
	}, Hooks{})
	defer ax.Close()

	dataWire := []byte{vdp.Start, 6, 0x01, vdp.CmdReadData, 0, 0}
	ctrlWire := []byte{vdp.Start, 6, 0x81, vdp.CmdAcknowledge, 0, 0}

	if err := ax.SendFrame(dataWire); err != nil {
		t.Fatalf("enqueue first data frame: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker pick up and block on the first send
	if err := ax.SendFrame(dataWire); err != nil {
		t.Fatalf("enqueue second data frame: %v", err)
	}
	if err := ax.SendFrame(dataWire); err != nil {
		t.Fatalf("enqueue third data frame: %v", err)
	}
	if err := ax.SendFrame(ctrlWire); err != nil {
		t.Fatalf("enqueue control frame: %v", err)
	}
	close(release)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 4 {
		t.Fatalf("not all frames processed: %v", order)
	}
	if order[1] != vdp.CmdAcknowledge {
		t.Fatalf("expected control frame to jump ahead of queued data, got order=%v", order)
	}
}
