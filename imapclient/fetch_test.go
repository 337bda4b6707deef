package imapclient

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/mailiner/imapcore/imapwire"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

// tframe runs a raw byte stream through the framer and returns the single
// resulting unit.
func tframe(t *testing.T, stream string) imapwire.Unit {
	t.Helper()
	f := imapwire.NewFramer(0, nil)
	f.Add([]byte(stream))
	u, ok, err := f.Next()
	tcheckf(t, err, "framing")
	if !ok {
		t.Fatalf("incomplete unit for %q", stream)
	}
	return u
}

// tfetch parses the unit (its text starting at the opening parenthesis) as
// a FETCH response body.
func tfetch(t *testing.T, u imapwire.Unit) FetchItem {
	t.Helper()
	c := newCursor(u)
	seq := uint32(1)
	if c.take('*') {
		c.xspace()
		_, s, isFetch := c.xuntagged()
		if !isFetch {
			t.Fatalf("not a fetch response: %q", u.Text)
		}
		seq = s
	}
	fp := newFetchParser(seq, c)
	err := fp.parse()
	tcheckf(t, err, "parsing fetch response %q", u.Text)
	return fp.item
}

func tfetchText(t *testing.T, text string) FetchItem {
	t.Helper()
	return tfetch(t, imapwire.Unit{Text: text})
}

func TestFetchFlags(t *testing.T) {
	item := tfetchText(t, `(FLAGS (\Seen))`)
	tcompare(t, item.Flags, []string{`\Seen`})
	tcompare(t, item.RFC822Size, int64(-1))
	if item.Envelope != nil || item.BodyStructure != nil || item.Sections != nil {
		t.Fatalf("unexpected extra items: %#v", item)
	}

	// Empty flag list is present but empty, unlike an absent FLAGS item.
	item = tfetchText(t, `(FLAGS ())`)
	tcompare(t, item.Flags, []string{})
}

func TestFetchBasicItems(t *testing.T) {
	item := tfetchText(t, `(FLAGS (\Seen) INTERNALDATE "2013-01-01 14:24:00" RFC822.SIZE 1024)`)
	tcompare(t, item.Flags, []string{`\Seen`})
	tcompare(t, item.InternalDate, inlineStr("2013-01-01 14:24:00"))
	tcompare(t, item.RFC822Size, int64(1024))

	item = tfetchText(t, `(UID 4827313 RFC822.SIZE 44827)`)
	tcompare(t, item.UID, uint32(4827313))
	tcompare(t, item.RFC822Size, int64(44827))
}

// The sample FETCH response from RFC 3501 section 7.4.2.
const rfc3501Envelope = `("Wed, 17 Jul 1996 02:23:25 -0700 (PDT)" "IMAP4rev1 WG mtg summary and minutes" (("Terry Gray" NIL "gray" "cac.washington.edu")) (("Terry Gray" NIL "gray" "cac.washington.edu")) (("Terry Gray" NIL "gray" "cac.washington.edu")) ((NIL NIL "imap" "cac.washington.edu")) ((NIL NIL "minutes" "CNRI.Reston.VA.US")("John Klensin" NIL "KLENSIN" "MIT.EDU")) NIL NIL "<B27397-0100000@cac.washington.edu>")`

const rfc3501Fetch = `(FLAGS (\Seen) INTERNALDATE "17-Jul-1996 02:44:25 -0700" RFC822.SIZE 4286 ENVELOPE ` + rfc3501Envelope + ` BODY ("TEXT" "PLAIN" ("CHARSET" "US-ASCII") NIL NIL "7BIT" 3028 92))`

func terryGray() Address {
	return Address{
		Name:    inlineStr("Terry Gray"),
		Mailbox: inlineStr("gray"),
		Host:    inlineStr("cac.washington.edu"),
	}
}

func checkRFC3501Item(t *testing.T, item FetchItem) {
	t.Helper()

	tcompare(t, item.Flags, []string{`\Seen`})
	tcompare(t, item.InternalDate, inlineStr("17-Jul-1996 02:44:25 -0700"))
	tcompare(t, item.RFC822Size, int64(4286))

	env := item.Envelope
	if env == nil {
		t.Fatalf("missing envelope")
	}
	tcompare(t, env.Date, inlineStr("Wed, 17 Jul 1996 02:23:25 -0700 (PDT)"))
	tcompare(t, env.Subject, inlineStr("IMAP4rev1 WG mtg summary and minutes"))
	tg := terryGray()
	tg.SourceRoute = nilString()
	tcompare(t, env.From, []Address{tg})
	tcompare(t, env.Sender, []Address{tg})
	tcompare(t, env.ReplyTo, []Address{tg})
	tcompare(t, env.To, []Address{{Name: nilString(), SourceRoute: nilString(), Mailbox: inlineStr("imap"), Host: inlineStr("cac.washington.edu")}})
	tcompare(t, env.CC, []Address{
		{Name: nilString(), SourceRoute: nilString(), Mailbox: inlineStr("minutes"), Host: inlineStr("CNRI.Reston.VA.US")},
		{Name: inlineStr("John Klensin"), SourceRoute: nilString(), Mailbox: inlineStr("KLENSIN"), Host: inlineStr("MIT.EDU")},
	})
	if env.BCC != nil || !env.InReplyTo.IsNil() {
		t.Fatalf("bcc/in-reply-to should be absent: %#v", env)
	}
	tcompare(t, env.MessageID, inlineStr("<B27397-0100000@cac.washington.edu>"))
	tcompare(t, env.To[0].Addr(), "imap@cac.washington.edu")

	body, ok := item.BodyStructure.(BodyTypeText)
	if !ok {
		t.Fatalf("body structure %#v, expected BodyTypeText", item.BodyStructure)
	}
	tcompare(t, body, BodyTypeText{
		MediaType:    "TEXT",
		MediaSubtype: "PLAIN",
		BodyFields: BodyFields{
			Params:       [][2]string{{"CHARSET", "US-ASCII"}},
			ContentID:    nilString(),
			ContentDescr: nilString(),
			CTE:          "7BIT",
			Octets:       3028,
		},
		Lines: 92,
	})
}

func TestFetchRFC3501Sample(t *testing.T) {
	checkRFC3501Item(t, tfetchText(t, rfc3501Fetch))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	item := tfetchText(t, rfc3501Fetch)
	tcompare(t, item.Envelope.Format(), rfc3501Envelope)
}

func TestFetchLiteral(t *testing.T) {
	item := tfetch(t, tframe(t, "* 1 FETCH (TEST {5}\r\n12345)\r\n"))
	s, ok := item.Section("TEST")
	if !ok {
		t.Fatalf("missing TEST section: %#v", item)
	}
	tcompare(t, s.Value(), "12345")
}

func TestFetchLiteralSplit(t *testing.T) {
	// The subject as a literal, with the stream split inside the literal
	// marker and payload: the result must match the all-quoted form.
	subject := "IMAP4rev1 WG mtg summary and minutes"
	stream := "* 1 FETCH (FLAGS (\\Seen) INTERNALDATE \"17-Jul-1996 02:44:25 -0700\" RFC822.SIZE 4286 ENVELOPE (\"Wed, 17 Jul 1996 02:23:25 -0700 (PDT)\" " +
		fmt.Sprintf("{%d}\r\n%s", len(subject), subject) +
		" ((\"Terry Gray\" NIL \"gray\" \"cac.washington.edu\")) ((\"Terry Gray\" NIL \"gray\" \"cac.washington.edu\")) ((\"Terry Gray\" NIL \"gray\" \"cac.washington.edu\")) ((NIL NIL \"imap\" \"cac.washington.edu\")) ((NIL NIL \"minutes\" \"CNRI.Reston.VA.US\")(\"John Klensin\" NIL \"KLENSIN\" \"MIT.EDU\")) NIL NIL \"<B27397-0100000@cac.washington.edu>\") BODY (\"TEXT\" \"PLAIN\" (\"CHARSET\" \"US-ASCII\") NIL NIL \"7BIT\" 3028 92))\r\n"

	literalAt := strings.Index(stream, "{")
	for _, split := range []int{1, literalAt + 2, literalAt + 8, len(stream) / 3, len(stream) / 2} {
		f := imapwire.NewFramer(0, nil)
		f.Add([]byte(stream[:split]))
		if _, ok, err := f.Next(); err != nil || ok {
			t.Fatalf("unit complete too early (ok %v, err %v)", ok, err)
		}
		f.Add([]byte(stream[split:]))
		u, ok, err := f.Next()
		tcheckf(t, err, "framing")
		if !ok {
			t.Fatalf("incomplete unit")
		}
		checkRFC3501Item(t, tfetch(t, u))
	}
}

func TestFetchNilVsEmpty(t *testing.T) {
	item := tfetchText(t, `(BODY[HEADER] "")`)
	s, ok := item.Section("BODY[HEADER]")
	tcompare(t, ok, true)
	tcompare(t, s.IsNil(), false)
	tcompare(t, s.Value(), "")

	item = tfetchText(t, `(BODY[HEADER] NIL)`)
	s, ok = item.Section("BODY[HEADER]")
	tcompare(t, ok, true)
	tcompare(t, s.IsNil(), true)
}

func TestFetchSectionKeys(t *testing.T) {
	item := tfetchText(t, `(BODY[HEADER.FIELDS ("Subject" "From")] "headers" BODY[1.2]<0> "part")`)
	s, ok := item.Section(`BODY[HEADER.FIELDS ("Subject" "From")]`)
	tcompare(t, ok, true)
	tcompare(t, s.Value(), "headers")
	s, ok = item.Section("BODY[1.2]<0>")
	tcompare(t, ok, true)
	tcompare(t, s.Value(), "part")

	item = tfetchText(t, `(RFC822.HEADER "hdr" RFC822.TEXT "txt")`)
	s, _ = item.Section("RFC822.HEADER")
	tcompare(t, s.Value(), "hdr")
	s, _ = item.Section("RFC822.TEXT")
	tcompare(t, s.Value(), "txt")
}

func TestFetchMultipart(t *testing.T) {
	// The multipart BODYSTRUCTURE example from RFC 3501 section 7.4.2,
	// with extension data.
	item := tfetchText(t, `(BODYSTRUCTURE (("TEXT" "PLAIN" ("CHARSET" "US-ASCII") NIL NIL "7BIT" 1152 23)("TEXT" "PLAIN" ("CHARSET" "US-ASCII" "NAME" "cc.diff") "<960723163407.20117h@cac.washington.edu>" "Compiler diff" "BASE64" 4554 73) "MIXED" ("BOUNDARY" "d93xa") ("ATTACHMENT" ("FILENAME" "x.diff")) NIL))`)
	mp, ok := item.BodyStructure.(BodyTypeMpart)
	if !ok {
		t.Fatalf("body structure %#v, expected BodyTypeMpart", item.BodyStructure)
	}
	tcompare(t, mp.MediaSubtype, "MIXED")
	tcompare(t, mp.Params, [][2]string{{"BOUNDARY", "d93xa"}})
	if mp.Disposition == nil {
		t.Fatalf("missing disposition")
	}
	tcompare(t, *mp.Disposition, Disposition{Type: "ATTACHMENT", Params: [][2]string{{"FILENAME", "x.diff"}}})
	if len(mp.Bodies) != 2 {
		t.Fatalf("got %d subparts, expected 2", len(mp.Bodies))
	}
	part1 := mp.Bodies[0].(BodyTypeText)
	tcompare(t, part1.Lines, int64(23))
	part2 := mp.Bodies[1].(BodyTypeText)
	tcompare(t, part2.BodyFields.ContentID, inlineStr("<960723163407.20117h@cac.washington.edu>"))
	tcompare(t, part2.BodyFields.CTE, "BASE64")
}

func TestFetchMessagePart(t *testing.T) {
	item := tfetchText(t, `(BODYSTRUCTURE ("MESSAGE" "RFC822" NIL NIL NIL "7BIT" 3028 (`+
		`"Wed, 17 Jul 1996 02:23:25 -0700 (PDT)" "fwd" NIL NIL NIL NIL NIL NIL NIL "<id@host>") `+
		`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 100 3) 92))`)
	msg, ok := item.BodyStructure.(BodyTypeMsg)
	if !ok {
		t.Fatalf("body structure %#v, expected BodyTypeMsg", item.BodyStructure)
	}
	tcompare(t, msg.MediaType, "MESSAGE")
	tcompare(t, msg.Envelope.Subject, inlineStr("fwd"))
	inner, ok := msg.Bodystructure.(BodyTypeText)
	if !ok {
		t.Fatalf("inner structure %#v, expected BodyTypeText", msg.Bodystructure)
	}
	tcompare(t, inner.Lines, int64(3))
	tcompare(t, msg.Lines, int64(92))
}

func TestFetchErrors(t *testing.T) {
	// Unknown item with an unpredictable value shape fails this FETCH only.
	fp := newFetchParser(1, newCursor(imapwire.Unit{Text: `(XYZZY (1 2))`}))
	err := fp.parse()
	if _, ok := err.(UnknownFetchItemError); !ok {
		t.Fatalf("got %v, expected UnknownFetchItemError", err)
	}

	// Duplicate item.
	fp = newFetchParser(1, newCursor(imapwire.Unit{Text: `(UID 1 UID 2)`}))
	err = fp.parse()
	if _, ok := err.(DuplicateFetchItemError); !ok {
		t.Fatalf("got %v, expected DuplicateFetchItemError", err)
	}

	// Number overflow is unrecoverable.
	fp = newFetchParser(1, newCursor(imapwire.Unit{Text: `(RFC822.SIZE 99999999999999999999)`}))
	err = fp.parse()
	if _, ok := err.(Error); !ok {
		t.Fatalf("got %v, expected Error", err)
	}
}

func TestFetchResume(t *testing.T) {
	// A parser suspends on a literal that has not arrived and resumes with
	// the task stack intact once it does.
	u := imapwire.Unit{Text: `(BODY[] {B0})`}
	c := newCursor(u)
	fp := newFetchParser(1, c)
	if err := fp.parse(); err != errFetchIncomplete {
		t.Fatalf("got %v, expected errFetchIncomplete", err)
	}
	c.lits = append(c.lits, imapwire.Literal{Size: 3, Data: []byte("abc")})
	tcheckf(t, fp.parse(), "resumed parse")
	s, _ := fp.item.Section("BODY[]")
	tcompare(t, s.Value(), "abc")
}
