package bridge

import (
	"testing"

	"github.com/shikamaru-ctrl/vdp-server/internal/vdp"
)

func TestHubBroadcastDeliversToAllClients(t *testing.T) {
	h := New()
	c1 := &Client{Out: make(chan vdp.Frame, 1), Closed: make(chan struct{})}
	c2 := &Client{Out: make(chan vdp.Frame, 1), Closed: make(chan struct{})}
	h.Add(c1)
	h.Add(c2)

	f := vdp.Frame{EcuID: 0x01, Command: vdp.CmdReadData}
	h.Broadcast(f)

	select {
	case got := <-c1.Out:
		if got.Command != f.Command {
			t.Fatalf("c1 got %+v", got)
		}
	default:
		t.Fatal("c1 did not receive the broadcast frame")
	}
	select {
	case got := <-c2.Out:
		if got.Command != f.Command {
			t.Fatalf("c2 got %+v", got)
		}
	default:
		t.Fatal("c2 did not receive the broadcast frame")
	}
}

func TestHubDropPolicyDiscardsOnFullQueue(t *testing.T) {
	h := New()
	h.Policy = PolicyDrop
	c := &Client{Out: make(chan vdp.Frame, 1), Closed: make(chan struct{})}
	h.Add(c)

	h.Broadcast(vdp.Frame{Command: vdp.CmdReadData})
	h.Broadcast(vdp.Frame{Command: vdp.CmdWriteData}) // queue full, should drop silently

	select {
	case <-c.Closed:
		t.Fatal("PolicyDrop must not close the client")
	default:
	}
	got := <-c.Out
	if got.Command != vdp.CmdReadData {
		t.Fatalf("got %+v, want the first frame retained", got)
	}
}

func TestHubKickPolicyClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	c := &Client{Out: make(chan vdp.Frame, 1), Closed: make(chan struct{})}
	h.Add(c)

	h.Broadcast(vdp.Frame{Command: vdp.CmdReadData})
	h.Broadcast(vdp.Frame{Command: vdp.CmdWriteData}) // queue full, should kick

	select {
	case <-c.Closed:
	default:
		t.Fatal("PolicyKick should have closed the client")
	}
}

func TestHubBroadcastHonorsEcuFilter(t *testing.T) {
	h := New()
	c := &Client{Out: make(chan vdp.Frame, 1), Closed: make(chan struct{}), Filter: FilterByEcu(0x10)}
	h.Add(c)

	h.Broadcast(vdp.Frame{EcuID: 0x20, Command: vdp.CmdReadData})
	select {
	case got := <-c.Out:
		t.Fatalf("frame for unsubscribed ECU delivered: %+v", got)
	default:
	}

	h.Broadcast(vdp.Frame{EcuID: 0x10 | vdp.EcuResponseBit, Command: vdp.CmdReadData})
	select {
	case got := <-c.Out:
		if got.RequestEcuID() != 0x10 {
			t.Fatalf("got %+v, want ecu 0x10", got)
		}
	default:
		t.Fatal("frame for subscribed ECU was not delivered")
	}
}

func TestHubRemoveUpdatesCount(t *testing.T) {
	h := New()
	c := &Client{Out: make(chan vdp.Frame, 1), Closed: make(chan struct{})}
	h.Add(c)
	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.Count())
	}
	h.Remove(c)
	if h.Count() != 0 {
		t.Fatalf("Count() = %d after Remove, want 0", h.Count())
	}
	select {
	case <-c.Closed:
	default:
		t.Fatal("Remove should close the client")
	}
}
