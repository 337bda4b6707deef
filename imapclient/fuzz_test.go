package imapclient

import (
	"testing"
)

// FuzzReceived feeds arbitrary bytes through the full inbound path:
// framer, router, fetch parser. Errors are fine, panics are not.
func FuzzReceived(f *testing.F) {
	f.Add([]byte("* OK ready\r\n"))
	f.Add([]byte("* CAPABILITY IMAP4rev1 IDLE AUTH=PLAIN\r\n"))
	f.Add([]byte("* 23 EXISTS\r\n"))
	f.Add([]byte("* 1 FETCH (FLAGS (\\Seen) UID 101)\r\n"))
	f.Add([]byte("* 1 FETCH (BODY[] {5}\r\n12345)\r\n"))
	f.Add([]byte("* 12 FETCH (BODY[HEADER] {342}\r\n"))
	f.Add([]byte("* STATUS blurdybloop (MESSAGES 231 UIDNEXT 44292)\r\n"))
	f.Add([]byte("* LIST (\\Noselect) \"/\" foo\r\n"))
	f.Add([]byte("+ idling\r\n"))
	f.Add([]byte("A0001 OK [READ-WRITE] done\r\n"))
	f.Add([]byte("A0001 NO [ALERT] no\r\n"))
	f.Add([]byte("{B0}{999999999999}\r\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		e := New(nil)
		e.ConnectionEstablished()
		if err := e.Received([]byte("* OK ready\r\n")); err != nil {
			t.Fatalf("greeting: %v", err)
		}
		e.TakeOutgoing()
		if err := e.Received([]byte("* CAPABILITY IMAP4rev1 IDLE\r\nA0001 OK done\r\n")); err != nil {
			t.Fatalf("capability: %v", err)
		}
		e.Received(data)
		e.TakeOutgoing()
	})
}
