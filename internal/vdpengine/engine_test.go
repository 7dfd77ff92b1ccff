package vdpengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
	"github.com/shikamaru-ctrl/vdp-server/internal/vdptxn"
)

// loopSend captures every wire write the engine performs, letting a test
// loop a response back through Intake.
type loopSend struct {
	mu  sync.Mutex
	out [][]byte
}

func (l *loopSend) send(wire []byte) error {
	l.mu.Lock()
	l.out = append(l.out, append([]byte(nil), wire...))
	l.mu.Unlock()
	return nil
}

func (l *loopSend) last() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.out) == 0 {
		return nil
	}
	return l.out[len(l.out)-1]
}

func TestEngineSendAndWaitSuccess(t *testing.T) {
	ls := &loopSend{}
	e := New(ls.send)

	go func() {
		for i := 0; i < 50; i++ {
			if wire := ls.last(); wire != nil {
				f, kind := vdp.Verify(wire)
				if kind == vdp.VerifyOK {
					resp := vdp.Frame{EcuID: f.EcuID | vdp.EcuResponseBit, Command: f.Command, Data: []byte{0x00, 0x42}}
					rw, _ := vdp.Serialize(resp)
					e.Intake(rw)
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, err := e.SendAndWait(context.Background(), vdp.Frame{EcuID: 0x01, Command: vdp.CmdReadData}, time.Second)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if res.Kind != vdptxn.ResultSuccess {
		t.Fatalf("Kind = %v, want ResultSuccess", res.Kind)
	}
	if len(res.Response.Data) != 2 || res.Response.Data[1] != 0x42 {
		t.Fatalf("Response.Data = % X, want trailing 0x42", res.Response.Data)
	}
}

func TestEngineSendAndWaitTimeout(t *testing.T) {
	ls := &loopSend{}
	e := New(ls.send)
	res, err := e.SendAndWait(context.Background(), vdp.Frame{EcuID: 0x01, Command: vdp.CmdReadData}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if res.Kind != vdptxn.ResultTimeout {
		t.Fatalf("Kind = %v, want ResultTimeout", res.Kind)
	}
}

func TestEngineInvalidStatusZeroIsSuccess(t *testing.T) {
	ls := &loopSend{}
	e := New(ls.send)
	done := make(chan vdptxn.Result, 1)
	_, err := e.Send(vdp.Frame{EcuID: 0x01, Command: vdp.CmdReadData}, func(r vdptxn.Result) { done <- r }, time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp := vdp.Frame{EcuID: 0x01 | vdp.EcuResponseBit, Command: vdp.CmdReadData, Data: []byte{0x00}}
	wire, _ := vdp.Serialize(resp)
	e.Intake(wire)

	select {
	case r := <-done:
		if r.Kind != vdptxn.ResultSuccess {
			t.Fatalf("Kind = %v, want ResultSuccess (status 0x00 is success, not InvalidStatus)", r.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestEngineBadChecksumSendsTargetedNak(t *testing.T) {
	ls := &loopSend{}
	e := New(ls.send)

	resp := vdp.Frame{EcuID: 0x03 | vdp.EcuResponseBit, Command: vdp.CmdReadData, Data: []byte{0x00}}
	wire, _ := vdp.Serialize(resp)
	wire[len(wire)-2] ^= 0xFF // corrupt checksum
	e.Intake(wire)

	nak := ls.last()
	if nak == nil {
		t.Fatal("expected a NAK to be sent")
	}
	f, kind := vdp.Verify(nak)
	if kind != vdp.VerifyOK {
		t.Fatalf("NAK itself failed to verify: %v", kind)
	}
	if f.Command != vdp.CmdNegativeAck {
		t.Fatalf("Command = %#x, want CmdNegativeAck", f.Command)
	}
	if f.Data[0] != vdp.CmdReadData {
		t.Fatalf("NAK references command %#x, want CmdReadData", f.Data[0])
	}
}

func TestEngineObserverSeesEveryDecodedFrame(t *testing.T) {
	ls := &loopSend{}
	e := New(ls.send)
	var seen []vdp.Frame
	e.SetObserver(func(f vdp.Frame) { seen = append(seen, f) })

	resp := vdp.Frame{EcuID: 0x01 | vdp.EcuResponseBit, Command: vdp.CmdReadData, Data: []byte{0x00}}
	wire, _ := vdp.Serialize(resp)
	e.Intake(wire)

	if len(seen) != 1 || seen[0].Command != vdp.CmdReadData {
		t.Fatalf("seen = %+v, want one observed ReadData response", seen)
	}
}

func TestEngineUnsolicitedSinkFiresForUnmatchedResponse(t *testing.T) {
	ls := &loopSend{}
	e := New(ls.send)
	var got *vdp.Frame
	e.SetUnsolicitedSink(func(f vdp.Frame) { got = &f })

	resp := vdp.Frame{EcuID: 0x09 | vdp.EcuResponseBit, Command: vdp.CmdReadData, Data: []byte{0x00}}
	wire, _ := vdp.Serialize(resp)
	e.Intake(wire)

	if got == nil {
		t.Fatal("expected the unsolicited sink to fire")
	}
}
