package imapclient

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mailiner/imapcore/imapwire"
)

// cursor walks the text of one framed response unit. Literal payloads
// appear in the text as {B<k>} placeholders resolving into lits[k]. Parse
// functions use the x-prefixed helpers, which panic with an Error that is
// recovered at the routing boundary: a malformed unit means wire framing
// can no longer be trusted.
type cursor struct {
	text string
	pos  int
	lits []imapwire.Literal
}

func newCursor(u imapwire.Unit) *cursor {
	return &cursor{text: u.Text, lits: u.Literals}
}

func (c *cursor) xerrorf(format string, args ...any) {
	panic(Error{fmt.Errorf("parsing %q at %d: %s", c.text, c.pos, fmt.Sprintf(format, args...))})
}

func (c *cursor) empty() bool {
	return c.pos >= len(c.text)
}

func (c *cursor) peek(exp byte) bool {
	if c.empty() {
		return false
	}
	b := c.text[c.pos]
	if b == exp {
		return true
	}
	// Letters compare case-insensitively.
	return exp|0x20 >= 'a' && exp|0x20 <= 'z' && b|0x20 == exp|0x20
}

func (c *cursor) take(exp byte) bool {
	if c.peek(exp) {
		c.pos++
		return true
	}
	return false
}

func (c *cursor) xbyte() byte {
	if c.empty() {
		c.xerrorf("unexpected end")
	}
	b := c.text[c.pos]
	c.pos++
	return b
}

func (c *cursor) xtake(s string) {
	if c.pos+len(s) > len(c.text) || !strings.EqualFold(c.text[c.pos:c.pos+len(s)], s) {
		c.xerrorf("expected %q", s)
	}
	c.pos += len(s)
}

func (c *cursor) xspace() {
	c.xtake(" ")
}

// skipSpace consumes a run of spaces, for tolerance between items.
func (c *cursor) skipSpace() {
	for c.take(' ') {
	}
}

// xnonspace takes bytes up to the next space or end of unit.
func (c *cursor) xnonspace() string {
	start := c.pos
	for !c.empty() && c.text[c.pos] != ' ' {
		c.pos++
	}
	if c.pos == start {
		c.xerrorf("expected non-space")
	}
	return c.text[start:c.pos]
}

// xatom takes an atom, stopping at specials.
func (c *cursor) xatom() string {
	start := c.pos
	for !c.empty() {
		b := c.text[c.pos]
		if b <= ' ' || strings.IndexByte("(){%*\"\\]", b) >= 0 {
			break
		}
		c.pos++
	}
	if c.pos == start {
		c.xerrorf("expected atom")
	}
	return c.text[start:c.pos]
}

// xflag takes a flag: an atom, optionally preceded by backslash.
func (c *cursor) xflag() string {
	s := ""
	if c.take('\\') {
		s = `\`
	} else if c.take('$') {
		s = "$"
	}
	return s + c.xatom()
}

func (c *cursor) xdigits() string {
	start := c.pos
	for !c.empty() && c.text[c.pos] >= '0' && c.text[c.pos] <= '9' {
		c.pos++
	}
	if c.pos == start {
		c.xerrorf("expected digits")
	}
	return c.text[start:c.pos]
}

func (c *cursor) xint64() int64 {
	s := c.xdigits()
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		panic(Error{fmt.Errorf("%w: %q", ErrOverflow, s)})
	}
	return v
}

func (c *cursor) xuint32() uint32 {
	s := c.xdigits()
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		panic(Error{fmt.Errorf("%w: %q", ErrOverflow, s)})
	}
	return uint32(v)
}

func (c *cursor) xnzuint32() uint32 {
	v := c.xuint32()
	if v == 0 {
		c.xerrorf("got 0, expected nonzero")
	}
	return v
}

// xquoted takes a quoted string, unescaping \" and \\, the only two
// escapes.
func (c *cursor) xquoted() string {
	c.xtake(`"`)
	var s strings.Builder
	for !c.take('"') {
		b := c.xbyte()
		if b == '\\' {
			b = c.xbyte()
			if b != '\\' && b != '"' {
				c.xerrorf("bad escape %q in quoted string", b)
			}
		}
		s.WriteByte(b)
	}
	return s.String()
}

// placeholder recognizes a {B<k>} literal placeholder at the cursor,
// returning the literal index. ok is false when the cursor is not at a
// placeholder.
func (c *cursor) placeholder() (idx int, ok bool) {
	if c.empty() || c.text[c.pos] != '{' {
		return 0, false
	}
	save := c.pos
	c.pos++
	if !c.take('B') {
		c.pos = save
		return 0, false
	}
	start := c.pos
	for !c.empty() && c.text[c.pos] >= '0' && c.text[c.pos] <= '9' {
		c.pos++
	}
	if c.pos == start || c.empty() || c.text[c.pos] != '}' {
		c.pos = save
		return 0, false
	}
	idx, err := strconv.Atoi(c.text[start:c.pos])
	if err != nil {
		c.pos = save
		return 0, false
	}
	c.pos++
	return idx, true
}

// nilString reads NIL, a quoted string or a literal placeholder. ok is
// false when the value is a placeholder whose literal has not arrived yet;
// the cursor is then left where it was, for a later resume.
func (c *cursor) nilString() (s String, ok bool) {
	save := c.pos
	if idx, isPlaceholder := c.placeholder(); isPlaceholder {
		if idx >= len(c.lits) {
			c.pos = save
			return String{}, false
		}
		lit := c.lits[idx]
		if lit.Streamed {
			return String{Stream: &LiteralStream{Size: lit.Size}}, true
		}
		return inline(lit.Data), true
	}
	if c.peek('"') {
		return inlineStr(c.xquoted()), true
	}
	c.xtake("NIL")
	return nilString(), true
}

// xnilString reads NIL, a quoted string or a resolved literal placeholder.
func (c *cursor) xnilString() String {
	s, ok := c.nilString()
	if !ok {
		c.xerrorf("unresolved literal placeholder")
	}
	return s
}

// xstring is like xnilString but rejects NIL.
func (c *cursor) xstring() String {
	s := c.xnilString()
	if s.IsNil() {
		c.xerrorf("unexpected NIL")
	}
	return s
}

// xastring takes an atom, quoted string or literal.
func (c *cursor) xastring() string {
	if c.peek('"') || c.peek('{') {
		return c.xnilString().Value()
	}
	return c.xatom()
}

// xmailbox takes a mailbox name and decodes modified UTF-7. An undecodable
// name is kept as-is: some servers send raw bytes.
func (c *cursor) xmailbox() string {
	s := c.xastring()
	if d, err := imapwire.UTF7Decode(s); err == nil {
		return d
	}
	return s
}

var knownCodes = map[string]struct{}{
	// Without parameters.
	"ALERT": {}, "PARSE": {}, "READ-ONLY": {}, "READ-WRITE": {}, "TRYCREATE": {},
	// With parameters.
	"CAPABILITY": {}, "PERMANENTFLAGS": {}, "UIDNEXT": {}, "UIDVALIDITY": {}, "UNSEEN": {}, "BADCHARSET": {},
}

// xrespText parses the rest of an OK/NO/BAD/BYE/PREAUTH line: an optional
// [code] and the free text.
func (c *cursor) xrespText() (Code, string) {
	var code Code
	if c.take('[') {
		code = c.xrespCode()
		c.xtake("]")
		if !c.empty() {
			c.xspace()
		}
	}
	text := c.text[c.pos:]
	c.pos = len(c.text)
	return code, text
}

func (c *cursor) xrespCode() Code {
	start := c.pos
	for !c.empty() && c.text[c.pos] != ' ' && c.text[c.pos] != ']' {
		c.pos++
	}
	w := c.text[start:c.pos]
	W := strings.ToUpper(w)

	if _, ok := knownCodes[W]; !ok {
		var args []string
		for c.take(' ') {
			argStart := c.pos
			for !c.empty() && c.text[c.pos] != ' ' && c.text[c.pos] != ']' {
				c.pos++
			}
			args = append(args, c.text[argStart:c.pos])
		}
		if len(args) == 0 {
			return CodeWord(W)
		}
		return CodeParams{W, args}
	}

	switch W {
	case "CAPABILITY":
		c.xspace()
		caps := []string{c.xnonspaceUntil(']')}
		for c.take(' ') {
			caps = append(caps, c.xnonspaceUntil(']'))
		}
		return CodeCapability(caps)
	case "PERMANENTFLAGS":
		l := []string{}
		c.xspace()
		c.xtake("(")
		if !c.take(')') {
			l = append(l, c.xflagPerm())
			for c.take(' ') {
				l = append(l, c.xflagPerm())
			}
			c.xtake(")")
		}
		return CodePermanentFlags(l)
	case "UIDNEXT":
		c.xspace()
		return CodeUIDNext(c.xnzuint32())
	case "UIDVALIDITY":
		c.xspace()
		return CodeUIDValidity(c.xnzuint32())
	case "UNSEEN":
		c.xspace()
		return CodeUnseen(c.xuint32())
	case "BADCHARSET":
		var args []string
		for c.take(' ') {
			argStart := c.pos
			for !c.empty() && c.text[c.pos] != ']' {
				c.pos++
			}
			args = append(args, c.text[argStart:c.pos])
		}
		return CodeParams{W, args}
	}
	return CodeWord(W)
}

func (c *cursor) xflagPerm() string {
	if c.take('\\') {
		if c.take('*') {
			return `\*`
		}
		return `\` + c.xatom()
	}
	return c.xflag()
}

// xnonspaceUntil takes bytes up to a space, the stop byte or end of unit.
func (c *cursor) xnonspaceUntil(stop byte) string {
	start := c.pos
	for !c.empty() && c.text[c.pos] != ' ' && c.text[c.pos] != stop {
		c.pos++
	}
	if c.pos == start {
		c.xerrorf("expected non-space")
	}
	return c.text[start:c.pos]
}

func (c *cursor) xstatus() Status {
	w := strings.ToUpper(c.xatom())
	switch w {
	case "OK":
		return OK
	case "NO":
		return NO
	case "BAD":
		return BAD
	}
	c.xerrorf("expected status, got %q", w)
	panic("not reached")
}

// xflagList parses "(" flags ")". An empty list returns a non-nil empty
// slice.
func (c *cursor) xflagList() []string {
	c.xtake("(")
	l := []string{}
	if !c.take(')') {
		l = append(l, c.xflag())
		for c.take(' ') {
			l = append(l, c.xflag())
		}
		c.xtake(")")
	}
	return l
}

// "*" and the following space are already consumed. FETCH responses are
// handled by the caller, which owns the fetch parser; isFetch reports one.
func (c *cursor) xuntagged() (u Untagged, fetchSeq uint32, isFetch bool) {
	if !c.empty() && c.text[c.pos] >= '0' && c.text[c.pos] <= '9' {
		num := c.xuint32()
		c.xspace()
		w := strings.ToUpper(c.xatom())
		switch w {
		case "FETCH":
			if num == 0 {
				c.xerrorf("zero sequence number in untagged fetch")
			}
			c.xspace()
			return nil, num, true
		case "EXPUNGE":
			if num == 0 {
				c.xerrorf("zero sequence number in untagged expunge")
			}
			return UntaggedExpunge(num), 0, false
		case "EXISTS":
			return UntaggedExists(num), 0, false
		case "RECENT":
			return UntaggedRecent(num), 0, false
		}
		c.xerrorf("unknown untagged numbered response %q", w)
	}

	w := strings.ToUpper(c.xatom())
	switch w {
	case "OK", "NO", "BAD":
		c.xspace()
		code, text := c.xrespText()
		return UntaggedResult(Result{Status(w), code, text}), 0, false

	case "BYE":
		c.xspace()
		code, text := c.xrespText()
		return UntaggedBye{code, text}, 0, false

	case "PREAUTH":
		c.xspace()
		code, text := c.xrespText()
		return UntaggedPreauth{code, text}, 0, false

	case "CAPABILITY":
		var caps []string
		for c.take(' ') {
			caps = append(caps, c.xnonspace())
		}
		return UntaggedCapability(caps), 0, false

	case "FLAGS":
		c.xspace()
		return UntaggedFlags(c.xflagList()), 0, false

	case "LIST":
		c.xspace()
		flags, sep, mailbox := c.xmailboxLine()
		return UntaggedList{flags, sep, mailbox}, 0, false

	case "LSUB":
		c.xspace()
		flags, sep, mailbox := c.xmailboxLine()
		return UntaggedLsub{flags, sep, mailbox}, 0, false

	case "STATUS":
		c.xspace()
		mailbox := c.xmailbox()
		c.xspace()
		c.xtake("(")
		attrs := map[StatusAttr]int64{}
		for !c.take(')') {
			if len(attrs) > 0 {
				c.xspace()
			}
			s := strings.ToUpper(c.xatom())
			c.xspace()
			num := c.xint64()
			if _, ok := attrs[StatusAttr(s)]; ok {
				c.xerrorf("status: duplicate attribute %q", s)
			}
			attrs[StatusAttr(s)] = num
		}
		return UntaggedStatus{mailbox, attrs}, 0, false

	case "SEARCH":
		var nums []uint32
		for c.take(' ') {
			nums = append(nums, c.xnzuint32())
		}
		return UntaggedSearch(nums), 0, false
	}
	c.xerrorf("unknown untagged response %q", w)
	panic("not reached")
}

// list-response flags, separator and mailbox, shared by LIST and LSUB.
func (c *cursor) xmailboxLine() (flags []string, sep byte, mailbox string) {
	c.xtake("(")
	if !c.take(')') {
		flags = append(flags, c.xflag())
		for c.take(' ') {
			flags = append(flags, c.xflag())
		}
		c.xtake(")")
	}
	c.xspace()
	if c.peek('"') {
		s := c.xquoted()
		if len(s) != 1 {
			c.xerrorf("multi-char hierarchy separator %q", s)
		}
		sep = s[0]
	} else {
		c.xtake("NIL")
	}
	c.xspace()
	mailbox = c.xmailbox()
	return
}
