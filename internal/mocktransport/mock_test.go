package mocktransport

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestLoopbackRoundTrip(t *testing.T) {
	l := New()
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Send([]byte{0x7E, 0x06, 0x7F}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 8)
	n, err := l.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{0x7E, 0x06, 0x7F}) {
		t.Fatalf("Read got % X", buf[:n])
	}
}

func TestLoopbackDropAndCorrupt(t *testing.T) {
	l := New()
	l.Drop = func(b byte) bool { return b == 0xAA }
	l.Corrupt = func(b byte) byte {
		if b == 0xBB {
			return 0xCC
		}
		return b
	}
	if _, err := l.Send([]byte{0xAA, 0xBB, 0x01}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 8)
	n, _ := l.Read(buf)
	if !bytes.Equal(buf[:n], []byte{0xCC, 0x01}) {
		t.Fatalf("Read got % X, want the dropped byte gone and the corrupted byte rewritten", buf[:n])
	}
}

func TestLoopbackReadAfterCloseReturnsEOF(t *testing.T) {
	l := New()
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := l.Read(buf); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
