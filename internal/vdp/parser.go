package vdp

import (
	"sync"

	"github.com/shikamaru-ctrl/vdp-server/internal/metrics"
)

// largeBufferReclaimThreshold is the capacity above which the parser's
// internal accumulation buffer is discarded and reallocated once fully
// drained. Mirrors the teacher stack's serial RX accumulator: without this,
// a connection fed a long run of non-frame garbage one byte at a time would
// retain an ever-growing backing array even though nothing is buffered.
const largeBufferReclaimThreshold = 16 * 1024

// InvalidReason enumerates the specific defects the parser can report.
// Stable, so callers can switch on it.
type InvalidReason int

const (
	ReasonBadLength InvalidReason = iota
	ReasonBadEnd
	ReasonBadChecksum
	ReasonGarbageBeforeStart
)

func (r InvalidReason) String() string {
	switch r {
	case ReasonBadLength:
		return "bad_length"
	case ReasonBadEnd:
		return "bad_end"
	case ReasonBadChecksum:
		return "bad_checksum"
	case ReasonGarbageBeforeStart:
		return "garbage_before_start"
	default:
		return "unknown"
	}
}

// OutcomeKind tags the variant carried by Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeIncomplete
	OutcomeInvalid
)

// Outcome is the tagged value the streaming parser emits per §3 of the
// design: Success, Incomplete, or Invalid. Timeout and Nack are surfaced
// only by the transaction layer, never here.
type Outcome struct {
	Kind OutcomeKind

	// Success fields.
	Frame    Frame
	RawBytes []byte

	// Incomplete fields.
	MissingBytes int

	// Invalid fields.
	Reason         InvalidReason
	OffendingBytes []byte
	DeclaredLength int // only meaningful for ReasonBadLength
}

// Parser owns a byte buffer and turns a possibly fragmented, possibly
// corrupted byte stream into a sequence of Outcomes. It is safe for
// concurrent Feed/Extract/Reset from independent goroutines.
type Parser struct {
	mu          sync.Mutex
	buf         []byte
	emittedOnce bool // has this parser ever emitted a Success frame?
}

// NewParser returns a ready-to-use Parser.
func NewParser() *Parser { return &Parser{} }

// Feed appends bytes to the internal buffer. It never fails and never
// parses; call Extract to drain classifications.
func (p *Parser) Feed(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	p.buf = append(p.buf, b...)
	p.mu.Unlock()
}

// Reset clears the buffer and the per-session garbage state (emittedOnce).
func (p *Parser) Reset() {
	p.mu.Lock()
	p.buf = nil
	p.emittedOnce = false
	p.mu.Unlock()
}

// Buffered reports how many unclassified bytes are currently held.
func (p *Parser) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Extract drains as many classifications as the current buffer admits,
// following the resync/header/length/body/end/checksum/accept loop of
// §4.2. It returns outcomes in the order their first byte appeared in the
// input stream.
func (p *Parser) Extract() []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Outcome
	for {
		// 1. Resync: scan for the next plausible start sentinel.
		idx := indexByte(p.buf, Start)
		if idx < 0 {
			// No sentinel at all in the buffer; nothing left to classify,
			// but don't retain unbounded pure-garbage runs forever without
			// ever reporting them once we've started producing frames.
			if len(p.buf) > 0 {
				garbage := p.buf
				p.buf = nil
				if p.emittedOnce {
					out = append(out, Outcome{Kind: OutcomeInvalid, Reason: ReasonGarbageBeforeStart, OffendingBytes: garbage})
					metrics.IncInvalidFrame(ReasonGarbageBeforeStart.String())
				}
			}
			break
		}
		if idx > 0 {
			garbage := p.buf[:idx]
			p.buf = p.buf[idx:]
			if p.emittedOnce {
				out = append(out, Outcome{Kind: OutcomeInvalid, Reason: ReasonGarbageBeforeStart, OffendingBytes: garbage})
				metrics.IncInvalidFrame(ReasonGarbageBeforeStart.String())
			}
		}

		// 2. Header wait: need at least LEN byte.
		if len(p.buf) < 2 {
			break
		}

		// 3. Length gate.
		l := int(p.buf[1])
		if l < MinFrameLen || l > MaxFrameLen {
			offending := p.buf[:1]
			out = append(out, Outcome{Kind: OutcomeInvalid, Reason: ReasonBadLength, OffendingBytes: append([]byte(nil), offending...), DeclaredLength: l})
			metrics.IncInvalidFrame(ReasonBadLength.String())
			p.buf = p.buf[1:]
			continue
		}

		// 4. Body wait. Incomplete markers are advisory per the design (outcome
		// placement around a stalled body wait is explicitly allowed to vary);
		// we choose not to emit one here so that feeding a frame one byte at a
		// time produces empty Extract results until the frame actually
		// completes, rather than a steady stream of "missing N" hints.
		if len(p.buf) < l {
			break
		}

		window := p.buf[:l]

		// 5. End sentinel.
		if window[l-1] != End {
			out = append(out, Outcome{Kind: OutcomeInvalid, Reason: ReasonBadEnd, OffendingBytes: append([]byte(nil), window...)})
			metrics.IncInvalidFrame(ReasonBadEnd.String())
			p.buf = p.buf[1:]
			continue
		}

		// 6. Checksum.
		frame, kind := Verify(window)
		if kind == VerifyBadChecksum {
			out = append(out, Outcome{Kind: OutcomeInvalid, Reason: ReasonBadChecksum, OffendingBytes: append([]byte(nil), window...)})
			metrics.IncInvalidFrame(ReasonBadChecksum.String())
			p.buf = p.buf[1:]
			continue
		}

		// 7. Accept.
		raw := append([]byte(nil), window...)
		p.buf = p.buf[l:]
		p.emittedOnce = true
		out = append(out, Outcome{Kind: OutcomeSuccess, Frame: frame, RawBytes: raw})
		metrics.IncFramesDecoded()
	}

	p.compact()
	return out
}

// compact reclaims the backing array once it has grown large relative to
// what remains buffered, mirroring the teacher's CompactBuffer helper.
func (p *Parser) compact() {
	if len(p.buf) == 0 && cap(p.buf) > largeBufferReclaimThreshold {
		p.buf = nil
		return
	}
	if cap(p.buf) >= 1024 && len(p.buf)*4 < cap(p.buf) {
		clone := make([]byte, len(p.buf))
		copy(clone, p.buf)
		p.buf = clone
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
