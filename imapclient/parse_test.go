package imapclient

import (
	"testing"

	"github.com/mailiner/imapcore/imapwire"
)

// tuntagged parses one untagged response unit (without trailing CRLF).
func tuntagged(t *testing.T, text string) Untagged {
	t.Helper()
	c := newCursor(imapwire.Unit{Text: text})
	c.xtake("*")
	c.xspace()
	u, _, isFetch := c.xuntagged()
	if isFetch {
		t.Fatalf("unexpected fetch response in %q", text)
	}
	return u
}

func TestParseUntagged(t *testing.T) {
	u := tuntagged(t, "* CAPABILITY IMAP4rev1 IDLE AUTH=PLAIN")
	tcompare(t, u, UntaggedCapability([]string{"IMAP4rev1", "IDLE", "AUTH=PLAIN"}))

	u = tuntagged(t, "* BYE going down")
	tcompare(t, u, UntaggedBye{Text: "going down"})

	u = tuntagged(t, "* OK [UNSEEN 17] message 17 is first unseen")
	tcompare(t, u, UntaggedResult(Result{OK, CodeUnseen(17), "message 17 is first unseen"}))

	u = tuntagged(t, `* OK [PERMANENTFLAGS (\Deleted \Seen \*)] limited`)
	tcompare(t, u, UntaggedResult(Result{OK, CodePermanentFlags([]string{`\Deleted`, `\Seen`, `\*`}), "limited"}))

	u = tuntagged(t, "* OK [UIDVALIDITY 3857529045] ok")
	tcompare(t, u, UntaggedResult(Result{OK, CodeUIDValidity(3857529045), "ok"}))

	u = tuntagged(t, `* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	tcompare(t, u, UntaggedFlags([]string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`}))

	u = tuntagged(t, `* LIST (\Noselect) "/" foo`)
	tcompare(t, u, UntaggedList{[]string{`\Noselect`}, byte('/'), "foo"})

	// Mailbox names come in as modified UTF-7.
	u = tuntagged(t, `* LIST () "/" "&U,BTFw-"`)
	tcompare(t, u, UntaggedList{nil, byte('/'), "台北"})

	u = tuntagged(t, `* LSUB () NIL inbox.sent`)
	tcompare(t, u, UntaggedLsub{nil, 0, "inbox.sent"})

	u = tuntagged(t, `* STATUS blurdybloop (MESSAGES 231 UIDNEXT 44292)`)
	tcompare(t, u, UntaggedStatus{"blurdybloop", map[StatusAttr]int64{StatusMessages: 231, StatusUIDNext: 44292}})

	u = tuntagged(t, "* SEARCH 2 3 6")
	tcompare(t, u, UntaggedSearch([]uint32{2, 3, 6}))

	u = tuntagged(t, "* 23 EXISTS")
	tcompare(t, u, UntaggedExists(23))

	u = tuntagged(t, "* 5 RECENT")
	tcompare(t, u, UntaggedRecent(5))

	u = tuntagged(t, "* 44 EXPUNGE")
	tcompare(t, u, UntaggedExpunge(44))
}

func TestParseQuoted(t *testing.T) {
	c := newCursor(imapwire.Unit{Text: `"say \"hi\" \\ back"`})
	tcompare(t, c.xquoted(), `say "hi" \ back`)

	// Empty quoted string is empty, not absent.
	c = newCursor(imapwire.Unit{Text: `""`})
	s := c.xnilString()
	tcompare(t, s.IsNil(), false)
	tcompare(t, s.Value(), "")

	c = newCursor(imapwire.Unit{Text: `NIL`})
	tcompare(t, c.xnilString().IsNil(), true)
}

func TestParseRespText(t *testing.T) {
	c := newCursor(imapwire.Unit{Text: "[CAPABILITY IMAP4rev1 IDLE] ready"})
	code, text := c.xrespText()
	tcompare(t, code, CodeCapability([]string{"IMAP4rev1", "IDLE"}))
	tcompare(t, text, "ready")

	c = newCursor(imapwire.Unit{Text: "[READ-WRITE] SELECT completed"})
	code, text = c.xrespText()
	tcompare(t, code, CodeWord("READ-WRITE"))
	tcompare(t, text, "SELECT completed")

	// Unknown codes with arguments are preserved.
	c = newCursor(imapwire.Unit{Text: "[APPENDUID 38505 3955] done"})
	code, text = c.xrespText()
	tcompare(t, code, CodeParams{"APPENDUID", []string{"38505", "3955"}})
	tcompare(t, text, "done")

	// No code at all.
	c = newCursor(imapwire.Unit{Text: "plain text"})
	code, text = c.xrespText()
	if code != nil {
		t.Fatalf("got code %v, expected none", code)
	}
	tcompare(t, text, "plain text")
}
