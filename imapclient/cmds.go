package imapclient

import (
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/mailiner/imapcore/imapwire"
)

// cmdBuilder assembles the outbound form of one command. The first chunk
// is written immediately; each following chunk holds a synchronous literal
// payload (and any text after it) and is written only after a server
// continuation.
type cmdBuilder struct {
	chunks [][]byte
}

func newCmdBuilder(name string) *cmdBuilder {
	return &cmdBuilder{chunks: [][]byte{[]byte(name)}}
}

func (b *cmdBuilder) text(s string) {
	b.chunks[len(b.chunks)-1] = append(b.chunks[len(b.chunks)-1], s...)
}

// astring writes one string parameter: an atom or quoted string inline, or
// a synchronous literal when the value is long, non-ASCII or contains CR
// or LF.
func (b *cmdBuilder) astring(s string) {
	if imapwire.NeedsLiteral(s) {
		b.text(imapwire.LiteralPrefix(len(s)))
		b.chunks = append(b.chunks, []byte(s))
		return
	}
	b.text(imapwire.AString(s))
}

// mailbox writes a mailbox name, encoded as modified UTF-7.
func (b *cmdBuilder) mailbox(s string) {
	b.astring(imapwire.UTF7Encode(s))
}

func (b *cmdBuilder) end() {
	b.text("\r\n")
}

// Capability sends the CAPABILITY command. The engine records the
// resulting capability set; read it with Capabilities after completion.
func (e *Engine) Capability(cb func(Result)) (tag string, rerr error) {
	return e.simple("CAPABILITY", cb)
}

// Noop sends NOOP. It does nothing on its own, but the server flushes
// pending untagged updates.
func (e *Engine) Noop(cb func(Result)) (tag string, rerr error) {
	return e.simple("NOOP", cb)
}

// Logout ends the session. On OK the engine enters the logout state; the
// transport should disconnect after the server closes or the response
// arrives.
func (e *Engine) Logout(cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder("LOGOUT")
	cmd, err := e.command("LOGOUT", cb, b)
	if err != nil {
		return "", err
	}
	cmd.internal = func(res Result) {
		if res.Status == OK {
			e.setState(StateLogout)
		}
	}
	return cmd.tag, nil
}

// StartTLS asks the server to upgrade to TLS. On OK the engine invokes
// Opts.UpgradeTLS: the transport must complete the handshake before
// delivering further bytes.
func (e *Engine) StartTLS(cb func(Result)) (tag string, rerr error) {
	if !e.caps.Has(CapStartTLS) {
		return "", Error{fmt.Errorf("server does not advertise STARTTLS")}
	}
	b := newCmdBuilder("STARTTLS")
	cmd, err := e.command("STARTTLS", cb, b)
	if err != nil {
		return "", err
	}
	cmd.internal = func(res Result) {
		if res.Status == OK {
			e.tlsActive = true
			e.capsValid = false
			if e.opts.UpgradeTLS != nil {
				e.opts.UpgradeTLS()
			}
		}
	}
	return cmd.tag, nil
}

// Login authenticates with the LOGIN command, sending the password in
// plain text. On OK the engine enters the authenticated state.
func (e *Engine) Login(username, password string, cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder("LOGIN")
	b.text(" ")
	b.astring(username)
	b.text(" ")
	b.astring(password)
	cmd, err := e.command("LOGIN", cb, b)
	if err != nil {
		return "", err
	}
	cmd.internal = e.authInternal
	return cmd.tag, nil
}

// Authenticate runs the AUTHENTICATE command with the given SASL client,
// e.g. sasl.NewPlainClient. The challenge/response exchange happens over
// server continuations; on OK the engine enters the authenticated state.
func (e *Engine) Authenticate(client sasl.Client, cb func(Result)) (tag string, rerr error) {
	mech, initial, err := client.Start()
	if err != nil {
		return "", fmt.Errorf("starting sasl mechanism: %w", err)
	}
	b := newCmdBuilder("AUTHENTICATE")
	b.text(" " + strings.ToUpper(mech))
	cmd, cerr := e.command("AUTHENTICATE", cb, b)
	if cerr != nil {
		return "", cerr
	}
	cmd.sasl = client
	cmd.saslInitial = initial
	e.conts = append(e.conts, cmd)
	cmd.internal = e.authInternal
	return cmd.tag, nil
}

func (e *Engine) authInternal(res Result) {
	if res.Status == OK {
		e.setState(StateAuthenticated)
	}
}

// Select opens a mailbox read-write. On OK the engine enters the selected
// state; read the resulting counts and flags with Selected.
func (e *Engine) Select(mailbox string, cb func(Result)) (tag string, rerr error) {
	return e.selectExamine("SELECT", mailbox, cb)
}

// Examine opens a mailbox read-only, like Select.
func (e *Engine) Examine(mailbox string, cb func(Result)) (tag string, rerr error) {
	return e.selectExamine("EXAMINE", mailbox, cb)
}

func (e *Engine) selectExamine(name, mailbox string, cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder(name)
	b.text(" ")
	b.mailbox(mailbox)
	cmd, err := e.command(name, cb, b)
	if err != nil {
		return "", err
	}
	e.selecting = &MailboxStatus{Name: mailbox, ReadOnly: name == "EXAMINE"}
	mb := e.selecting
	cmd.internal = func(res Result) {
		e.selecting = nil
		if res.Status != OK {
			return
		}
		e.selected = mb
		e.statuses[mb.Name] = mb
		e.setState(StateSelected)
	}
	return cmd.tag, nil
}

// CloseMailbox sends CLOSE: deleted messages are expunged without untagged
// responses and the engine returns to the authenticated state.
func (e *Engine) CloseMailbox(cb func(Result)) (tag string, rerr error) {
	return e.deselect("CLOSE", cb)
}

// Unselect leaves the selected mailbox without expunging. The server must
// advertise UNSELECT.
func (e *Engine) Unselect(cb func(Result)) (tag string, rerr error) {
	if !e.caps.Has(CapUnselect) {
		return "", Error{fmt.Errorf("server does not advertise UNSELECT")}
	}
	return e.deselect("UNSELECT", cb)
}

func (e *Engine) deselect(name string, cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder(name)
	cmd, err := e.command(name, cb, b)
	if err != nil {
		return "", err
	}
	cmd.internal = func(res Result) {
		if res.Status == OK {
			e.selected = nil
			e.setState(StateAuthenticated)
		}
	}
	return cmd.tag, nil
}

// Status requests a status snapshot of a mailbox without selecting it.
// Items are attribute names like "MESSAGES", "UNSEEN". The snapshot is
// recorded in MailboxStatuses and also delivered as an UntaggedStatus.
func (e *Engine) Status(mailbox string, items []string, cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder("STATUS")
	b.text(" ")
	b.mailbox(mailbox)
	b.text(" (" + strings.Join(items, " ") + ")")
	cmd, err := e.command("STATUS", cb, b)
	if err != nil {
		return "", err
	}
	return cmd.tag, nil
}

// List sends LIST. Matching mailboxes arrive as UntaggedList responses via
// Opts.Unsolicited.
func (e *Engine) List(ref, pattern string, cb func(Result)) (tag string, rerr error) {
	return e.listLsub("LIST", ref, pattern, cb)
}

// Lsub is List for the subscription list.
func (e *Engine) Lsub(ref, pattern string, cb func(Result)) (tag string, rerr error) {
	return e.listLsub("LSUB", ref, pattern, cb)
}

func (e *Engine) listLsub(name, ref, pattern string, cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder(name)
	b.text(" ")
	b.mailbox(ref)
	b.text(" ")
	b.mailbox(pattern)
	cmd, err := e.command(name, cb, b)
	if err != nil {
		return "", err
	}
	return cmd.tag, nil
}

// Create makes a new mailbox.
func (e *Engine) Create(mailbox string, cb func(Result)) (tag string, rerr error) {
	return e.mailboxCmd("CREATE", mailbox, cb)
}

// Delete removes a mailbox.
func (e *Engine) Delete(mailbox string, cb func(Result)) (tag string, rerr error) {
	return e.mailboxCmd("DELETE", mailbox, cb)
}

// Rename renames a mailbox.
func (e *Engine) Rename(from, to string, cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder("RENAME")
	b.text(" ")
	b.mailbox(from)
	b.text(" ")
	b.mailbox(to)
	cmd, err := e.command("RENAME", cb, b)
	if err != nil {
		return "", err
	}
	return cmd.tag, nil
}

// Subscribe adds a mailbox to the subscription list.
func (e *Engine) Subscribe(mailbox string, cb func(Result)) (tag string, rerr error) {
	return e.mailboxCmd("SUBSCRIBE", mailbox, cb)
}

// Unsubscribe removes a mailbox from the subscription list.
func (e *Engine) Unsubscribe(mailbox string, cb func(Result)) (tag string, rerr error) {
	return e.mailboxCmd("UNSUBSCRIBE", mailbox, cb)
}

func (e *Engine) mailboxCmd(name, mailbox string, cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder(name)
	b.text(" ")
	b.mailbox(mailbox)
	cmd, err := e.command(name, cb, b)
	if err != nil {
		return "", err
	}
	return cmd.tag, nil
}

// Fetch requests message data. seqset is a sequence set like "1:5,7" and
// items the data item names, e.g. "FLAGS", "ENVELOPE", "BODY[]". Each
// parsed fetch response for this command is delivered through handle, in
// server order, before the completion callback runs.
func (e *Engine) Fetch(seqset string, items []string, handle func(FetchItem), cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder("FETCH")
	b.text(" " + seqset + " (" + strings.Join(items, " ") + ")")
	cmd, err := e.command("FETCH", cb, b)
	if err != nil {
		return "", err
	}
	cmd.fetch = handle
	return cmd.tag, nil
}

// Store updates flags. op is "FLAGS", "+FLAGS" or "-FLAGS", optionally
// with a ".SILENT" suffix. Without .SILENT the new flags come back as
// fetch responses through handle.
func (e *Engine) Store(seqset string, op string, flags []string, handle func(FetchItem), cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder("STORE")
	b.text(" " + seqset + " " + op + " (" + strings.Join(flags, " ") + ")")
	cmd, err := e.command("STORE", cb, b)
	if err != nil {
		return "", err
	}
	cmd.fetch = handle
	return cmd.tag, nil
}

// Expunge permanently removes deleted messages. The expunged sequence
// numbers arrive as UntaggedExpunge responses.
func (e *Engine) Expunge(cb func(Result)) (tag string, rerr error) {
	return e.simple("EXPUNGE", cb)
}

// Idle enters idle mode. The server acks with a continuation, after which
// untagged updates are forwarded to Opts.IdleUpdate. Sending any other
// command, or Done, terminates idle. The completion callback runs when the
// IDLE command itself completes.
func (e *Engine) Idle(cb func(Result)) (tag string, rerr error) {
	if !e.caps.Has(CapIdle) {
		return "", Error{fmt.Errorf("server does not advertise IDLE")}
	}
	if e.idleTag != "" {
		return "", Error{fmt.Errorf("already idling")}
	}
	b := newCmdBuilder("IDLE")
	cmd, err := e.command("IDLE", cb, b)
	if err != nil {
		return "", err
	}
	e.idleTag = cmd.tag
	e.conts = append(e.conts, cmd)
	cmd.internal = func(res Result) {
		e.idleFinished()
	}
	return cmd.tag, nil
}

// Done terminates an active IDLE. It is also implied by sending any other
// command while idling.
func (e *Engine) Done() error {
	if e.idleTag == "" {
		return Error{fmt.Errorf("not idling")}
	}
	if !e.idleDone {
		e.idleDone = true
		if e.idleActive {
			e.idleActive = false
			e.write([]byte("DONE\r\n"))
		}
	}
	return nil
}

func (e *Engine) simple(name string, cb func(Result)) (tag string, rerr error) {
	b := newCmdBuilder(name)
	cmd, err := e.command(name, cb, b)
	if err != nil {
		return "", err
	}
	return cmd.tag, nil
}
