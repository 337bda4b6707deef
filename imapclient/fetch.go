package imapclient

import (
	"errors"
	"strings"

	"github.com/mailiner/imapcore/metrics"
)

// The FETCH response parser. FETCH responses are the one place the wire
// grammar gets deep: items carry parenthesised groups, lists, strings that
// may be literals, and the recursive BODYSTRUCTURE shape. The parser is an
// explicit stack of tasks, one per outstanding parse obligation, so it can
// suspend between tokens (on a literal that has not arrived) and resume
// with the stack intact.

type fetchKind int

const (
	fkItems fetchKind = iota // Top level: "(" key SP value ... ")".
	fkString                 // NIL, quoted string or literal placeholder.
	fkNumber                 // Digits, into int64.
	fkFlags                  // "(" flag ... ")".
	fkGroup                  // "(" fixed children ")", built by label.
	fkAddressList            // NIL or "(" address-group ... ")".
	fkParams                 // NIL or "(" string pairs ")".
	fkBody                   // bodystructure: part or multipart.
)

// fetchTask is one outstanding parse obligation. When its input is
// satisfied it pops itself and delivers its value into the enclosing
// task's accumulator.
type fetchTask struct {
	kind  fetchKind
	label string      // Binding: the fetch key for item values, the builder name for groups.
	seq   []fetchKind // Child kinds for fkGroup.
	step  int
	vals  []any // Delivered child values.
	parts int   // fkBody: subpart count of a multipart.
}

// incomplete is the suspension panic: a literal placeholder was not
// resolved yet. The task stack and cursor position stay valid for resume.
type incomplete struct{}

// fetchFail is a panic failing only the current FETCH response, e.g. an
// unknown item key. The session continues, unlike with Error.
type fetchFail struct{ err error }

var envelopeSeq = []fetchKind{
	fkString, fkString, // date, subject
	fkAddressList, fkAddressList, fkAddressList, fkAddressList, fkAddressList, fkAddressList, // from, sender, reply-to, to, cc, bcc
	fkString, fkString, // in-reply-to, message-id
}

var addressSeq = []fetchKind{fkString, fkString, fkString, fkString}

var dispositionSeq = []fetchKind{fkString, fkParams}

type fetchParser struct {
	c     *cursor
	stack []*fetchTask
	item  FetchItem
	seen  map[string]bool
	done  bool
}

// newFetchParser starts parsing a FETCH response for message seq. The
// cursor must be positioned at the opening parenthesis.
func newFetchParser(seq uint32, c *cursor) *fetchParser {
	p := &fetchParser{
		c:    c,
		item: FetchItem{Seq: seq, RFC822Size: -1},
		seen: map[string]bool{},
	}
	p.stack = []*fetchTask{{kind: fkItems}}
	return p
}

func (p *fetchParser) push(t *fetchTask) {
	p.stack = append(p.stack, t)
}

// finish pops the top task, delivering its value to the enclosing task.
func (p *fetchParser) finish(v any) {
	p.stack = p.stack[:len(p.stack)-1]
	if len(p.stack) > 0 {
		t := p.stack[len(p.stack)-1]
		t.vals = append(t.vals, v)
	}
}

// parse advances the task stack until the response is fully consumed,
// returning errFetchIncomplete if a literal has yet to arrive (call parse
// again after resolving it), a fail error that spoils only this FETCH, or
// an Error meaning the connection is beyond recovery.
func (p *fetchParser) parse() (rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		switch e := x.(type) {
		case incomplete:
			rerr = errFetchIncomplete
		case fetchFail:
			rerr = e.err
		case Error:
			rerr = e
		default:
			panic(x)
		}
	}()

	for len(p.stack) > 0 {
		p.advance()
	}
	p.done = true
	return nil
}

var errFetchIncomplete = errors.New("fetch response incomplete")

// advance runs one transition of the top task.
func (p *fetchParser) advance() {
	t := p.stack[len(p.stack)-1]
	c := p.c
	switch t.kind {
	case fkItems:
		p.items(t)

	case fkString:
		s, ok := c.nilString()
		if !ok {
			panic(incomplete{})
		}
		p.finish(s)

	case fkNumber:
		p.finish(c.xint64())

	case fkFlags:
		p.finish(c.xflagList())

	case fkGroup:
		p.group(t)

	case fkAddressList:
		p.addressList(t)

	case fkParams:
		p.params(t)

	case fkBody:
		p.body(t)
	}
}

func (p *fetchParser) items(t *fetchTask) {
	c := p.c
	if t.step == 0 {
		c.xtake("(")
		t.step = 1
		return
	}
	if len(t.vals) > 0 {
		p.store(t.label, t.vals[0])
		t.vals = nil
	}
	c.skipSpace()
	if c.take(')') {
		p.finish(nil)
		return
	}
	key := p.xfetchKey()
	K := strings.ToUpper(key)
	if p.seen[K] {
		panic(fetchFail{DuplicateFetchItemError{key}})
	}
	p.seen[K] = true
	t.label = key
	c.skipSpace()
	p.push(p.valueTask(key))
}

// xfetchKey lexes one fetch item key: a dotted atom, or BODY with a
// bracketed section and optional <origin> partial.
func (p *fetchParser) xfetchKey() string {
	c := p.c
	start := c.pos
	for !c.empty() {
		b := c.text[c.pos]
		if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '.' {
			c.pos++
			continue
		}
		break
	}
	if c.pos == start {
		c.xerrorf("expected fetch item key")
	}
	key := c.text[start:c.pos]
	if !strings.EqualFold(key, "BODY") || c.empty() || c.text[c.pos] != '[' {
		return key
	}

	// Section: balanced brackets, with quoted strings opaque, e.g.
	// BODY[HEADER.FIELDS ("Subject")].
	sec := c.pos
	depth := 0
	for {
		if c.empty() {
			c.xerrorf("unterminated section in fetch key")
		}
		b := c.text[c.pos]
		if b == '"' {
			c.xquoted()
			continue
		}
		c.pos++
		if b == '[' {
			depth++
		} else if b == ']' {
			depth--
			if depth == 0 {
				break
			}
		}
	}
	if c.take('<') {
		c.xdigits()
		c.xtake(">")
	}
	return key + c.text[sec:c.pos]
}

// valueTask maps a fetch item key to the task parsing its value.
func (p *fetchParser) valueTask(key string) *fetchTask {
	K := strings.ToUpper(key)
	switch K {
	case "FLAGS":
		return &fetchTask{kind: fkFlags, label: key}
	case "INTERNALDATE", "RFC822", "RFC822.HEADER", "RFC822.TEXT":
		return &fetchTask{kind: fkString, label: key}
	case "RFC822.SIZE", "UID":
		return &fetchTask{kind: fkNumber, label: key}
	case "ENVELOPE":
		return &fetchTask{kind: fkGroup, label: "envelope", seq: envelopeSeq}
	case "BODY", "BODYSTRUCTURE":
		return &fetchTask{kind: fkBody, label: key}
	}
	if strings.HasPrefix(K, "BODY[") {
		return &fetchTask{kind: fkString, label: key}
	}
	// Unknown keys with a plain string value are kept as generic section
	// entries; anything with a shape we cannot predict fails this FETCH.
	if p.c.peek('"') || p.c.peek('{') || p.c.peek('N') {
		return &fetchTask{kind: fkString, label: key}
	}
	panic(fetchFail{UnknownFetchItemError{key}})
}

// store binds a completed item value into the fetch item tree.
func (p *fetchParser) store(key string, v any) {
	K := strings.ToUpper(key)
	attr := K
	if i := strings.IndexByte(attr, '['); i >= 0 {
		attr = attr[:i] + "[]"
	}
	metrics.FetchAttrInc(attr)

	switch K {
	case "FLAGS":
		p.item.Flags = v.([]string)
	case "INTERNALDATE":
		p.item.InternalDate = v.(String)
	case "RFC822.SIZE":
		p.item.RFC822Size = v.(int64)
	case "UID":
		n := v.(int64)
		if n <= 0 || n > 0xffffffff {
			p.c.xerrorf("uid %d out of range", n)
		}
		p.item.UID = uint32(n)
	case "ENVELOPE":
		e := v.(Envelope)
		p.item.Envelope = &e
	case "BODY", "BODYSTRUCTURE":
		p.item.BodyStructure = v
	default:
		// BODY[...], RFC822, RFC822.HEADER, RFC822.TEXT.
		if p.item.Sections == nil {
			p.item.Sections = map[string]String{}
		}
		p.item.Sections[key] = v.(String)
	}
}

func (p *fetchParser) group(t *fetchTask) {
	c := p.c
	if t.step == 0 {
		c.xtake("(")
		t.step = 1
		p.push(&fetchTask{kind: t.seq[0]})
		return
	}
	if len(t.vals) < len(t.seq) {
		c.xspace()
		p.push(&fetchTask{kind: t.seq[len(t.vals)]})
		return
	}
	c.xtake(")")
	p.finish(p.buildGroup(t))
}

func (p *fetchParser) buildGroup(t *fetchTask) any {
	switch t.label {
	case "envelope":
		return Envelope{
			Date:      t.vals[0].(String),
			Subject:   t.vals[1].(String),
			From:      t.vals[2].([]Address),
			Sender:    t.vals[3].([]Address),
			ReplyTo:   t.vals[4].([]Address),
			To:        t.vals[5].([]Address),
			CC:        t.vals[6].([]Address),
			BCC:       t.vals[7].([]Address),
			InReplyTo: t.vals[8].(String),
			MessageID: t.vals[9].(String),
		}
	case "address":
		return Address{
			Name:        t.vals[0].(String),
			SourceRoute: t.vals[1].(String),
			Mailbox:     t.vals[2].(String),
			Host:        t.vals[3].(String),
		}
	case "disposition":
		var params [][2]string
		if t.vals[1] != nil {
			params = t.vals[1].([][2]string)
		}
		return Disposition{Type: t.vals[0].(String).Value(), Params: params}
	}
	panic(Error{errUnknownGroup(t.label)})
}

type errUnknownGroup string

func (e errUnknownGroup) Error() string { return "internal: unknown group builder " + string(e) }

// addressList parses NIL or a parenthesised run of 4-tuple address
// groups, promoting each to an Address. The groups are not separated by
// spaces, but runs of whitespace are tolerated.
func (p *fetchParser) addressList(t *fetchTask) {
	c := p.c
	if t.step == 0 {
		if !c.peek('(') {
			c.xtake("NIL")
			p.finish([]Address(nil))
			return
		}
		c.xtake("(")
		t.step = 1
	}
	c.skipSpace()
	if c.take(')') {
		addrs := []Address{}
		for _, v := range t.vals {
			addrs = append(addrs, v.(Address))
		}
		p.finish(addrs)
		return
	}
	p.push(&fetchTask{kind: fkGroup, label: "address", seq: addressSeq})
}

// params parses NIL or a list of strings taken as key/value pairs by
// position.
func (p *fetchParser) params(t *fetchTask) {
	c := p.c
	if t.step == 0 {
		if !c.peek('(') {
			c.xtake("NIL")
			p.finish([][2]string(nil))
			return
		}
		c.xtake("(")
		t.step = 1
	}
	c.skipSpace()
	if c.take(')') {
		if len(t.vals)%2 != 0 {
			c.xerrorf("odd number of parameter strings")
		}
		params := [][2]string{}
		for i := 0; i < len(t.vals); i += 2 {
			params = append(params, [2]string{t.vals[i].(String).Value(), t.vals[i+1].(String).Value()})
		}
		p.finish(params)
		return
	}
	p.push(&fetchTask{kind: fkString})
}

// Steps of the fkBody task. A part is a group of strings and numbers; a
// multipart opens with a nested "(". Extension data we do not model is
// skipped up to the closing parenthesis.
const (
	bodyStart     = 0
	bodyType      = 1 // media type delivered
	bodySubtype   = 2 // media subtype delivered
	bodyParams    = 3 // params delivered
	bodyID        = 4
	bodyDescr     = 5
	bodyEncoding  = 6
	bodyOctets    = 7
	bodyMsgEnv    = 8 // message/rfc822: envelope delivered
	bodyMsgBody   = 9 // nested structure delivered
	bodyMsgLines  = 10
	bodyTextLines = 11
	mpartParts    = 12 // collecting subparts
	mpartSubtype  = 13 // subtype delivered
	mpartParams   = 14 // params delivered
	mpartDisp     = 15 // disposition delivered
)

func (p *fetchParser) body(t *fetchTask) {
	c := p.c
	switch t.step {
	case bodyStart:
		c.xtake("(")
		if c.peek('(') {
			t.step = mpartParts
			p.push(&fetchTask{kind: fkBody})
		} else {
			t.step = bodyType
			p.push(&fetchTask{kind: fkString})
		}

	case bodyType:
		c.xspace()
		t.step = bodySubtype
		p.push(&fetchTask{kind: fkString})

	case bodySubtype:
		c.xspace()
		t.step = bodyParams
		p.push(&fetchTask{kind: fkParams})

	case bodyParams:
		c.xspace()
		t.step = bodyID
		p.push(&fetchTask{kind: fkString})

	case bodyID:
		c.xspace()
		t.step = bodyDescr
		p.push(&fetchTask{kind: fkString})

	case bodyDescr:
		c.xspace()
		t.step = bodyEncoding
		p.push(&fetchTask{kind: fkString})

	case bodyEncoding:
		c.xspace()
		t.step = bodyOctets
		p.push(&fetchTask{kind: fkNumber})

	case bodyOctets:
		if !c.take(' ') {
			c.xtake(")")
			p.finish(p.buildBasic(t))
			return
		}
		if c.peek('(') {
			t.step = bodyMsgEnv
			p.push(&fetchTask{kind: fkGroup, label: "envelope", seq: envelopeSeq})
		} else if !c.empty() && c.text[c.pos] >= '0' && c.text[c.pos] <= '9' {
			t.step = bodyTextLines
			p.push(&fetchTask{kind: fkNumber})
		} else {
			// Extension data on a basic part.
			p.skipBodyExt()
			c.xtake(")")
			p.finish(p.buildBasic(t))
		}

	case bodyMsgEnv:
		c.xspace()
		t.step = bodyMsgBody
		p.push(&fetchTask{kind: fkBody})

	case bodyMsgBody:
		c.xspace()
		t.step = bodyMsgLines
		p.push(&fetchTask{kind: fkNumber})

	case bodyMsgLines:
		p.skipBodyExt()
		c.xtake(")")
		fields, mt, ms := p.buildFields(t)
		p.finish(BodyTypeMsg{
			MediaType: mt, MediaSubtype: ms, BodyFields: fields,
			Envelope:      t.vals[7].(Envelope),
			Bodystructure: t.vals[8],
			Lines:         t.vals[9].(int64),
		})

	case bodyTextLines:
		p.skipBodyExt()
		c.xtake(")")
		fields, mt, ms := p.buildFields(t)
		p.finish(BodyTypeText{MediaType: mt, MediaSubtype: ms, BodyFields: fields, Lines: t.vals[7].(int64)})

	case mpartParts:
		if c.peek('(') {
			p.push(&fetchTask{kind: fkBody})
			return
		}
		t.parts = len(t.vals)
		c.xspace()
		t.step = mpartSubtype
		p.push(&fetchTask{kind: fkString})

	case mpartSubtype:
		if !c.take(' ') {
			c.xtake(")")
			p.finish(p.buildMpart(t, nil, nil))
			return
		}
		t.step = mpartParams
		p.push(&fetchTask{kind: fkParams})

	case mpartParams:
		if !c.take(' ') {
			c.xtake(")")
			p.finish(p.buildMpart(t, t.vals[t.parts+1], nil))
			return
		}
		if c.peek('(') {
			t.step = mpartDisp
			p.push(&fetchTask{kind: fkGroup, label: "disposition", seq: dispositionSeq})
			return
		}
		c.xtake("NIL")
		p.skipBodyExt()
		c.xtake(")")
		p.finish(p.buildMpart(t, t.vals[t.parts+1], nil))

	case mpartDisp:
		p.skipBodyExt()
		c.xtake(")")
		disp := t.vals[t.parts+2].(Disposition)
		p.finish(p.buildMpart(t, t.vals[t.parts+1], &disp))
	}
}

func (p *fetchParser) buildFields(t *fetchTask) (BodyFields, string, string) {
	var params [][2]string
	if t.vals[2] != nil {
		params = t.vals[2].([][2]string)
	}
	fields := BodyFields{
		Params:       params,
		ContentID:    t.vals[3].(String),
		ContentDescr: t.vals[4].(String),
		CTE:          t.vals[5].(String).Value(),
		Octets:       t.vals[6].(int64),
	}
	return fields, t.vals[0].(String).Value(), t.vals[1].(String).Value()
}

func (p *fetchParser) buildBasic(t *fetchTask) BodyTypeBasic {
	fields, mt, ms := p.buildFields(t)
	return BodyTypeBasic{MediaType: mt, MediaSubtype: ms, BodyFields: fields}
}

func (p *fetchParser) buildMpart(t *fetchTask, params any, disp *Disposition) BodyTypeMpart {
	var ps [][2]string
	if params != nil {
		ps = params.([][2]string)
	}
	return BodyTypeMpart{
		Bodies:       append([]any{}, t.vals[:t.parts]...),
		MediaSubtype: t.vals[t.parts].(String).Value(),
		Params:       ps,
		Disposition:  disp,
	}
}

// skipBodyExt consumes extension data we do not model, up to but not
// including the closing parenthesis of the enclosing part.
func (p *fetchParser) skipBodyExt() {
	c := p.c
	for {
		c.skipSpace()
		if c.empty() || c.peek(')') {
			return
		}
		p.skipValue()
	}
}

// skipValue consumes one value: a parenthesised group, quoted string,
// literal placeholder, or atom-ish token.
func (p *fetchParser) skipValue() {
	c := p.c
	switch {
	case c.peek('('):
		c.xtake("(")
		depth := 1
		for depth > 0 {
			if c.empty() {
				c.xerrorf("unbalanced parentheses")
			}
			if c.peek('"') {
				c.xquoted()
				continue
			}
			b := c.xbyte()
			if b == '(' {
				depth++
			} else if b == ')' {
				depth--
			}
		}
	case c.peek('"'):
		c.xquoted()
	case c.peek('{'):
		if _, ok := c.placeholder(); !ok {
			c.xerrorf("bad placeholder")
		}
	default:
		for !c.empty() {
			b := c.text[c.pos]
			if b == ' ' || b == ')' || b == '(' {
				return
			}
			c.pos++
		}
	}
}
