// Package imapwire implements the wire-level plumbing of an IMAP
// connection: an input accumulator, a framer that splits the byte stream
// into logical response units while capturing literals, quoting of strings
// written to the server, and the modified UTF-7 encoding for mailbox names.
package imapwire

// Buffer is an append-only byte accumulator with a read cursor. The
// transport appends incoming bytes, the framer consumes them. The cursor
// never moves backwards over consumed bytes; consumed space is reclaimed
// lazily.
type Buffer struct {
	buf []byte
	off int
}

// Append adds bytes at the end.
func (b *Buffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Byte returns the unconsumed byte at offset i from the cursor. The caller
// must ensure i < Len().
func (b *Buffer) Byte(i int) byte {
	return b.buf[b.off+i]
}

// Peek returns the next n unconsumed bytes without advancing. The returned
// slice is only valid until the next Append or Compact.
func (b *Buffer) Peek(n int) []byte {
	return b.buf[b.off : b.off+n]
}

// Next consumes and returns up to n bytes. The returned slice is only valid
// until the next Append or Compact.
func (b *Buffer) Next(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	p := b.buf[b.off : b.off+n]
	b.off += n
	return p
}

// Advance consumes n bytes.
func (b *Buffer) Advance(n int) {
	b.off += n
}

// IndexByte returns the offset from the cursor of the first occurrence of
// c, or -1 if c is not among the unconsumed bytes.
func (b *Buffer) IndexByte(c byte) int {
	for i := b.off; i < len(b.buf); i++ {
		if b.buf[i] == c {
			return i - b.off
		}
	}
	return -1
}

// Compact drops consumed bytes, reclaiming space. Only safe when no slice
// returned by Peek or Next is held onto.
func (b *Buffer) Compact() {
	if b.off == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}
