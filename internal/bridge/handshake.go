package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// hello is the bridge's short text handshake, mirroring the teacher
// stack's cannelloni "CANNELLONIv1" hello on connect.
const hello = "VDPMONITORv1"

// ecuFilterAny is the subscription byte an observer sends to request every
// ECU's traffic, i.e. no filtering (0x80 is never a valid RequestEcuID since
// that's the response bit, so it's outside the addressable ECU space and
// can't collide with a real subscription target).
const ecuFilterAny byte = 0x80

// role distinguishes the two handshake participants: the server reads the
// client's requested ECU subscription after the hello exchange; the client
// sends it.
type role int

const (
	roleServer role = iota
	roleClient
)

// handshake exchanges hello with the peer and, for the server side,
// negotiates the ECU subscription the observer is narrowing its feed to.
// ecuFilter is only meaningful when role == roleClient; it is appended to
// the client's hello write and echoed back by handshake's return value on
// the server side so Server can attach the right Filter to the new Client.
func handshake(ctx context.Context, c net.Conn, timeout time.Duration, r role, ecuFilter byte) (byte, error) {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	go func() {
		out := []byte(hello)
		if r == roleClient {
			out = append(out, ecuFilter)
		}
		_, err := c.Write(out)
		errCh <- err
	}()
	go func() {
		buf := make([]byte, len(hello))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != hello {
			err = errors.New("bad hello")
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case err := <-errCh:
			if err != nil {
				return 0, fmt.Errorf("handshake: %w", err)
			}
		}
	}

	if r != roleServer {
		return 0, nil
	}
	filterBuf := make([]byte, 1)
	if _, err := io.ReadFull(c, filterBuf); err != nil {
		return 0, fmt.Errorf("handshake: ecu subscription: %w", err)
	}
	return filterBuf[0], nil
}
