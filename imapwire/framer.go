package imapwire

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/mailiner/imapcore/metrics"
)

// DefaultLiteralCeiling is the largest literal kept in memory. Larger
// literals are handed to a streaming sink.
const DefaultLiteralCeiling = 1 << 20

var (
	// ErrLiteralTooLarge is returned when a literal exceeds the ceiling and
	// no streaming sink is configured. The connection cannot be recovered.
	ErrLiteralTooLarge = errors.New("literal too large")

	// ErrBadLiteralSyntax is returned for a malformed literal marker, e.g.
	// "{}" or a size that does not fit in an int64.
	ErrBadLiteralSyntax = errors.New("bad literal syntax")
)

// Literal is the payload of one {N} marker within a response unit. Data
// holds the bytes, except for streamed literals, whose bytes went to the
// sink as they arrived and are not retained.
type Literal struct {
	Size     int64
	Data     []byte // Nil when streamed.
	Streamed bool
}

// Unit is one logical server response: a line, possibly extended past CRLFs
// by embedded literals. Each {N} marker in the original text is replaced by
// a placeholder {B<k>}, with Literals[k] holding the corresponding payload.
// Placeholders are numbered in wire order.
type Unit struct {
	Text     string
	Literals []Literal
}

// StreamFunc receives the chunks of a streamed literal, in order. It is
// called with last true exactly once, for the final chunk, which may be
// empty.
type StreamFunc func(chunk []byte, last bool)

// Framer splits the inbound byte stream into response units. It tracks two
// modes: line mode, scanning for CRLF and literal markers, and literal
// mode, routing a fixed number of bytes uninterpreted to the current
// literal. Bare LF is accepted as a line ending for tolerance; a literal
// size is the exact octet count of the payload, not counting the CRLF after
// the marker.
type Framer struct {
	in Buffer

	// Largest literal buffered in memory. Beyond it the framer switches to
	// the stream callback, or fails with ErrLiteralTooLarge without one.
	ceiling int64
	stream  func(size int64) StreamFunc

	text []byte    // Unit text so far, with placeholders substituted.
	lits []Literal // Completed and in-progress literals of the unit.

	literalMode bool
	remaining   int64 // Bytes left of the current literal.
	sink        StreamFunc
}

// NewFramer returns a framer. A ceiling <= 0 means DefaultLiteralCeiling.
// stream may be nil, in which case an oversized literal is an error.
func NewFramer(ceiling int64, stream func(size int64) StreamFunc) *Framer {
	if ceiling <= 0 {
		ceiling = DefaultLiteralCeiling
	}
	return &Framer{ceiling: ceiling, stream: stream}
}

// Add appends bytes received from the transport.
func (f *Framer) Add(p []byte) {
	f.in.Append(p)
}

// Next returns the next complete response unit. It returns ok false when
// the buffered input does not yet hold a complete unit. Units come out in
// the exact order the server produced them, regardless of how the input was
// partitioned across Add calls.
func (f *Framer) Next() (u Unit, ok bool, err error) {
	for {
		if f.literalMode {
			if !f.literalData() {
				return Unit{}, false, nil
			}
			continue
		}

		i := f.in.IndexByte('\n')
		if i < 0 {
			f.in.Compact()
			return Unit{}, false, nil
		}
		line := f.in.Next(i + 1)
		line = line[:len(line)-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}

		size, open, islit, err := literalMarker(line)
		if err != nil {
			return Unit{}, false, err
		}
		if !islit {
			f.text = append(f.text, line...)
			u := Unit{Text: string(f.text), Literals: f.lits}
			f.text = nil
			f.lits = nil
			f.in.Compact()
			return u, true, nil
		}

		f.text = append(f.text, line[:open]...)
		f.text = append(f.text, fmt.Sprintf("{B%d}", len(f.lits))...)
		lit := Literal{Size: size}
		if size > f.ceiling {
			if f.stream == nil {
				return Unit{}, false, fmt.Errorf("%w: %d bytes exceeds ceiling %d without streaming sink", ErrLiteralTooLarge, size, f.ceiling)
			}
			lit.Streamed = true
			f.sink = f.stream(size)
		} else {
			lit.Data = make([]byte, 0, size)
		}
		f.lits = append(f.lits, lit)
		f.literalMode = true
		f.remaining = size
		if size == 0 {
			f.finishLiteral()
		}
	}
}

// literalData consumes available bytes of the current literal, returning
// whether the literal is complete.
func (f *Framer) literalData() bool {
	for f.remaining > 0 {
		avail := f.in.Len()
		if avail == 0 {
			f.in.Compact()
			return false
		}
		n := f.remaining
		if int64(avail) < n {
			n = int64(avail)
		}
		chunk := f.in.Next(int(n))
		f.remaining -= n
		lit := &f.lits[len(f.lits)-1]
		if lit.Streamed {
			metrics.LiteralBytesAdd("streamed", n)
			f.sink(chunk, f.remaining == 0)
		} else {
			metrics.LiteralBytesAdd("buffered", n)
			lit.Data = append(lit.Data, chunk...)
		}
	}
	f.finishLiteral()
	return true
}

func (f *Framer) finishLiteral() {
	lit := &f.lits[len(f.lits)-1]
	if lit.Streamed && lit.Size == 0 {
		f.sink(nil, true)
	}
	f.sink = nil
	f.literalMode = false
}

// literalMarker recognizes a {N} marker at the very end of a line, per RFC
// 3501 the only place a literal can start: the CRLF must immediately follow
// the closing brace. A brace group that is not all digits is ordinary text.
func literalMarker(line []byte) (size int64, open int, islit bool, err error) {
	n := len(line)
	if n < 2 || line[n-1] != '}' {
		return 0, 0, false, nil
	}
	open = -1
	for i := n - 2; i >= 0; i-- {
		if line[i] == '{' {
			open = i
			break
		}
		if line[i] < '0' || line[i] > '9' {
			return 0, 0, false, nil
		}
	}
	if open < 0 {
		return 0, 0, false, nil
	}
	digits := string(line[open+1 : n-1])
	if digits == "" {
		return 0, 0, false, fmt.Errorf("%w: empty size in %q", ErrBadLiteralSyntax, line[open:])
	}
	size, perr := strconv.ParseInt(digits, 10, 64)
	if perr != nil {
		return 0, 0, false, fmt.Errorf("%w: size %q: %v", ErrBadLiteralSyntax, digits, perr)
	}
	return size, open, true, nil
}
