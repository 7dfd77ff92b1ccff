// Package vdp implements the Vehicle Diagnostic Protocol frame codec and
// streaming parser: component A (serialize/verify) and component B
// (stateful extraction) of the protocol design.
package vdp

import (
	"errors"
	"fmt"
)

// Sentinel bytes marking frame boundaries. Not escaped in payload, which is
// why the streaming parser has to tolerate sentinel collisions inside data.
const (
	Start byte = 0x7E
	End   byte = 0x7F
)

// Command codes understood by the protocol. Any other byte value is
// "unknown" and triggers a NAK at the engine layer.
const (
	CmdReadData    byte = 0x10
	CmdWriteData   byte = 0x20
	CmdClearCodes  byte = 0x30
	CmdEcuReset    byte = 0x40
	CmdKeepAlive   byte = 0x50
	CmdAcknowledge byte = 0x06
	CmdNegativeAck byte = 0x15
)

// EcuResponseBit is OR'd into ecu_id to mark a response frame; ECU n
// responds as n|EcuResponseBit.
const EcuResponseBit byte = 0x80

// EcuKeepAlive is reserved for KeepAlive traffic.
const EcuKeepAlive byte = 0x00

// MaxPayload is the largest legal data payload (LEN field tops out at 253,
// minus the 6 bytes of envelope).
const MaxPayload = 247

// MinFrameLen and MaxFrameLen bound the LEN field (total frame length,
// sentinels included).
const (
	MinFrameLen = 6
	MaxFrameLen = 253
)

// ErrPayloadTooLarge is returned by Serialize when data exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("vdp: payload too large")

// Frame is the logical, already-validated protocol data unit.
type Frame struct {
	EcuID   byte
	Command byte
	Data    []byte
}

// IsResponse reports whether the response bit is set on EcuID.
func (f Frame) IsResponse() bool { return f.EcuID&EcuResponseBit != 0 }

// RequestEcuID strips the response bit, yielding the ECU id a request would
// have carried.
func (f Frame) RequestEcuID() byte { return f.EcuID &^ EcuResponseBit }

// Serialize encodes a logical frame into its wire representation:
// START, LEN, ECU_ID, CMD, DATA..., CHECKSUM, END.
func Serialize(f Frame) ([]byte, error) {
	if len(f.Data) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(f.Data), MaxPayload)
	}
	total := len(f.Data) + 6
	out := make([]byte, total)
	out[0] = Start
	out[1] = byte(total)
	out[2] = f.EcuID
	out[3] = f.Command
	copy(out[4:], f.Data)
	out[total-2] = checksum(out[1 : total-2])
	out[total-1] = End
	return out, nil
}

// checksum is the XOR of every byte strictly between START and CHECKSUM,
// i.e. LEN through the last DATA byte inclusive.
func checksum(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}

// VerifyKind enumerates the ways a candidate window can fail verification.
type VerifyKind int

const (
	VerifyOK VerifyKind = iota
	VerifyBadLength
	VerifyBadStart
	VerifyBadEnd
	VerifyBadChecksum
)

// Verify checks a byte window presumed to be one complete frame of declared
// length L = len(window). It never allocates beyond returning the decoded
// Frame. L must already be known to the caller (the streaming parser reads
// it from window[1]); Verify re-validates it against the window length and
// against §4.1's range.
func Verify(window []byte) (Frame, VerifyKind) {
	l := len(window)
	if l < MinFrameLen || l > MaxFrameLen {
		return Frame{}, VerifyBadLength
	}
	if int(window[1]) != l {
		return Frame{}, VerifyBadLength
	}
	if window[0] != Start {
		return Frame{}, VerifyBadStart
	}
	if window[l-1] != End {
		return Frame{}, VerifyBadEnd
	}
	want := checksum(window[1 : l-2])
	if want != window[l-2] {
		return Frame{}, VerifyBadChecksum
	}
	f := Frame{
		EcuID:   window[2],
		Command: window[3],
		Data:    append([]byte(nil), window[4:l-2]...),
	}
	return f, VerifyOK
}
