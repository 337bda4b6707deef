/*
Package imapclient implements the client side of IMAP4rev1 (RFC 3501) as a
sans-I/O protocol engine.

The engine owns no socket. A transport feeds it received bytes with
[Engine.Received] and drains [Engine.TakeOutgoing] to the wire;
[Engine.ConnectionEstablished] and [Engine.ConnectionClosed] report the
transport edges. In between, the engine frames responses (including
length-prefixed literals), parses them, pairs tagged responses to
outstanding commands and keeps the connection state machine.

Large literals are not buffered: beyond Opts.LiteralCeiling their bytes go
to the sink returned by Opts.Stream as they arrive, and the parsed fetch
item carries a stream handle instead of the data.
*/
package imapclient

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/mailiner/imapcore/imapwire"
	"github.com/mailiner/imapcore/metrics"
	"github.com/mailiner/imapcore/mlog"
)

// DefaultIdleInterval is how long an external watchdog should let IDLE run
// before forcing a DONE/IDLE cycle, comfortably below the RFC 2177
// 29-minute server timeout.
const DefaultIdleInterval = 25 * time.Minute

// Opts are engine options and callbacks. All callbacks are invoked from
// within Received/ConnectionClosed; the engine is single-threaded.
type Opts struct {
	Logger *slog.Logger

	// Literals larger than this are streamed instead of buffered. 0 means
	// imapwire.DefaultLiteralCeiling.
	LiteralCeiling int64

	// Stream returns the sink for one oversized literal. Without it such a
	// literal is a fatal protocol error.
	Stream func(size int64) func(chunk []byte, last bool)

	// WordDecoder decodes RFC 2047 encoded words in envelope accessors.
	// Nil means DefaultWordDecoder.
	WordDecoder *mime.WordDecoder

	// Request STARTTLS after the greeting when the server advertises it.
	StartTLS bool

	// When set, LOGIN is issued automatically on entering the
	// not-authenticated state.
	Username, Password string

	// Advisory interval for the external IDLE watchdog.
	IdleInterval time.Duration

	// Unsolicited untagged responses not consumed by a pending command.
	Unsolicited func(u Untagged)

	// Untagged numeric updates (EXISTS, RECENT, EXPUNGE, FETCH) while IDLE
	// is active.
	IdleUpdate func(name string, num uint32)

	// Called after a STARTTLS OK: the transport must negotiate TLS before
	// delivering more bytes, and buffer no plaintext.
	UpgradeTLS func()

	// Fatal protocol errors: wire framing is lost and the transport should
	// disconnect.
	Fatal func(err error)

	// Clock, for command sent times. Nil means time.Now.
	Now func() time.Time
}

// pendingCmd is one command sent (or queued) whose tagged response is
// outstanding.
type pendingCmd struct {
	tag      string
	name     string // Upper case command name.
	sentAt   time.Time
	deadline time.Time // Zero means none.

	done     func(Result)    // Completion callback; nil after cancel/timeout.
	internal func(Result)    // Engine bookkeeping, runs before done.
	fetch    func(FetchItem) // FETCH item delivery for this command.

	// Remaining payload chunks, each written after one server
	// continuation (synchronous literals).
	continuations [][]byte

	// SASL exchange driven over continuations.
	sasl        sasl.Client
	saslInitial []byte

	abandoned bool
}

// Engine is a sans-I/O IMAP4rev1 client protocol engine for a single
// connection. It is not safe for concurrent use; callers wishing to
// parallelise connections run one engine per connection.
type Engine struct {
	opts Opts
	log  mlog.Log

	state  ConnState
	framer *imapwire.Framer
	out    []byte

	tagGen   int
	tagWidth int

	pending      map[string]*pendingCmd
	pendingOrder []string
	conts        []*pendingCmd // Commands expecting a continuation, oldest first.

	caps      CapabilitySet
	capsValid bool
	preauth   bool
	tlsActive bool

	selected  *MailboxStatus
	selecting *MailboxStatus // Accumulates untagged data during SELECT/EXAMINE.
	statuses  map[string]*MailboxStatus

	idleActive bool   // Server acked IDLE with a continuation.
	idleTag    string // Tag of the in-flight IDLE command, "" when none.
	idleDone   bool   // DONE has been written, waiting for the IDLE tag.
	idleQueue  [][]byte

	fatal bool
}

// New returns an engine ready for ConnectionEstablished. A nil opts means
// defaults.
func New(opts *Opts) *Engine {
	e := &Engine{
		state:    StateClosed,
		tagWidth: 4,
		pending:  map[string]*pendingCmd{},
		statuses: map[string]*MailboxStatus{},
	}
	if opts != nil {
		e.opts = *opts
	}
	if e.opts.IdleInterval == 0 {
		e.opts.IdleInterval = DefaultIdleInterval
	}
	e.log = mlog.New("imapclient", e.opts.Logger)
	var stream func(int64) imapwire.StreamFunc
	if e.opts.Stream != nil {
		s := e.opts.Stream
		stream = func(size int64) imapwire.StreamFunc { return s(size) }
	}
	e.framer = imapwire.NewFramer(e.opts.LiteralCeiling, stream)
	return e
}

func (e *Engine) now() time.Time {
	if e.opts.Now != nil {
		return e.opts.Now()
	}
	return time.Now()
}

// State returns the current connection state.
func (e *Engine) State() ConnState { return e.state }

// Capabilities returns the most recent capability set. Valid after the
// greeting's CAPABILITY exchange completed.
func (e *Engine) Capabilities() CapabilitySet { return e.caps }

// Selected returns the currently selected mailbox, or nil.
func (e *Engine) Selected() *MailboxStatus { return e.selected }

// WordDecoder returns the RFC 2047 decoder for envelope text, for use
// with Envelope.DecodedSubject and Address.DecodedName.
func (e *Engine) WordDecoder() *mime.WordDecoder {
	if e.opts.WordDecoder != nil {
		return e.opts.WordDecoder
	}
	return DefaultWordDecoder
}

// IdleInterval returns how long an external watchdog should let IDLE run
// before forcing a DONE/IDLE cycle.
func (e *Engine) IdleInterval() time.Duration { return e.opts.IdleInterval }

// MailboxStatuses returns the tracked per-mailbox status snapshots.
func (e *Engine) MailboxStatuses() map[string]*MailboxStatus { return e.statuses }

// TakeOutgoing returns the bytes ready to be written to the transport,
// clearing the buffer. The transport must write them in full, in order.
func (e *Engine) TakeOutgoing() []byte {
	buf := e.out
	e.out = nil
	return buf
}

// ConnectionEstablished tells the engine the transport connected. The
// engine then awaits the server greeting.
func (e *Engine) ConnectionEstablished() {
	e.setState(StateEstablished)
}

// ConnectionClosed tells the engine the transport went away. All pending
// commands fail with ConnectionLost.
func (e *Engine) ConnectionClosed(reason error) {
	e.log.Debugx("connection closed", reason)
	e.drainPending()
	e.state = StateClosed
	e.selected = nil
}

// Received feeds bytes from the transport and processes all complete
// response units. A returned error is fatal: framing is lost and the
// transport should disconnect.
func (e *Engine) Received(buf []byte) error {
	if e.fatal {
		return fmt.Errorf("engine in fatal state")
	}
	e.log.Trace(mlog.LevelTrace, "CR: ", buf)
	e.framer.Add(buf)
	for {
		u, ok, err := e.framer.Next()
		if err != nil {
			metrics.ProtocolErrorInc("framer")
			return e.fail(err)
		}
		if !ok {
			return nil
		}
		if err := e.processUnit(u); err != nil {
			return e.fail(err)
		}
		if e.fatal {
			// A handler declared the session broken, e.g. a missing
			// IMAP4rev1 capability.
			return fmt.Errorf("engine in fatal state")
		}
	}
}

// fail reports a fatal protocol error: pending commands are drained, the
// state machine drops to logout.
func (e *Engine) fail(err error) error {
	if e.fatal {
		return err
	}
	e.fatal = true
	e.log.Errorx("fatal protocol error", err)
	e.drainPending()
	e.state = StateLogout
	if e.opts.Fatal != nil {
		e.opts.Fatal(err)
	}
	return err
}

func (e *Engine) drainPending() {
	for _, tag := range e.pendingOrder {
		cmd := e.pending[tag]
		if cmd == nil || cmd.abandoned {
			continue
		}
		cmd.abandoned = true
		if cmd.done != nil {
			metrics.ResultInc(strings.ToLower(string(ConnectionLost)))
			cmd.done(Result{Status: ConnectionLost})
		}
	}
	e.pending = map[string]*pendingCmd{}
	e.pendingOrder = nil
	e.conts = nil
	e.idleActive = false
	e.idleTag = ""
	e.idleDone = false
	e.idleQueue = nil
}

// processUnit classifies one framed response unit and dispatches it.
func (e *Engine) processUnit(u imapwire.Unit) (rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(Error); ok {
			metrics.ProtocolErrorInc("router")
			rerr = err
			return
		}
		panic(x)
	}()

	c := newCursor(u)
	if c.take('+') {
		c.take(' ')
		e.continuation(c.text[c.pos:])
		return nil
	}

	if c.take('*') {
		c.xspace()
		return e.processUntagged(c)
	}

	// Tagged completion.
	tag := c.xnonspace()
	c.xspace()
	status := c.xstatus()
	if !c.empty() {
		c.xspace()
	}
	code, text := c.xrespText()
	return e.resolve(tag, Result{status, code, text})
}

func (e *Engine) processUntagged(c *cursor) error {
	if e.state == StateEstablished {
		return e.greeting(c)
	}

	ut, seq, isFetch := c.xuntagged()
	if isFetch {
		return e.processFetch(seq, c)
	}
	e.xend(c)

	switch x := ut.(type) {
	case UntaggedCapability:
		metrics.UntaggedInc("capability")
		e.caps = newCapabilitySet(x)
		e.capsValid = true

	case UntaggedResult:
		metrics.UntaggedInc(strings.ToLower(string(x.Status)))
		e.applyCode(x.Code)

	case UntaggedBye:
		metrics.UntaggedInc("bye")
		e.log.Info("server bye", slog.String("text", x.Text))
		e.byeReceived()

	case UntaggedPreauth:
		// Only valid as greeting.
		c.xerrorf("unexpected PREAUTH")

	case UntaggedFlags:
		metrics.UntaggedInc("flags")
		if e.selecting != nil {
			e.selecting.Flags = x
		} else if e.selected != nil {
			e.selected.Flags = x
		}

	case UntaggedExists:
		metrics.UntaggedInc("exists")
		e.updateCount("EXISTS", uint32(x))
		e.notifyNumbered("EXISTS", uint32(x), ut)

	case UntaggedRecent:
		metrics.UntaggedInc("recent")
		e.updateCount("RECENT", uint32(x))
		e.notifyNumbered("RECENT", uint32(x), ut)

	case UntaggedExpunge:
		metrics.UntaggedInc("expunge")
		if e.selected != nil && e.selected.Exists > 0 {
			e.selected.Exists--
		}
		e.notifyNumbered("EXPUNGE", uint32(x), ut)

	case UntaggedStatus:
		metrics.UntaggedInc("status")
		e.applyStatus(x)
		e.unsolicited(ut)

	default:
		metrics.UntaggedInc("other")
		e.unsolicited(ut)
	}
	return nil
}

// greeting handles the first unit after connecting: only an untagged
// OK, PREAUTH or BYE is acceptable.
func (e *Engine) greeting(c *cursor) error {
	ut, _, isFetch := c.xuntagged()
	if isFetch {
		c.xerrorf("fetch as greeting")
	}
	e.xend(c)

	switch x := ut.(type) {
	case UntaggedResult:
		if x.Status != OK {
			e.log.Error("greeting not ok", slog.String("status", string(x.Status)))
			e.setState(StateLogout)
			return nil
		}
		e.applyCode(x.Code)
		e.setState(StateGreeting)
	case UntaggedPreauth:
		e.preauth = true
		e.applyCode(x.Code)
		e.setState(StateGreeting)
	case UntaggedBye:
		e.setState(StateLogout)
	default:
		e.setState(StateLogout)
	}
	return nil
}

// processFetch runs the fetch parser over the remainder of the unit. An
// unknown or duplicate item key spoils only this response.
func (e *Engine) processFetch(seq uint32, c *cursor) error {
	metrics.UntaggedInc("fetch")
	fp := newFetchParser(seq, c)
	if err := fp.parse(); err != nil {
		switch err.(type) {
		case UnknownFetchItemError, DuplicateFetchItemError:
			metrics.ProtocolErrorInc("parser")
			e.log.Infox("discarding fetch response", err, slog.Any("seq", seq))
			return nil
		}
		metrics.ProtocolErrorInc("parser")
		return err
	}
	e.xend(c)

	item := fp.item
	if e.idleActive {
		e.notifyNumbered("FETCH", seq, UntaggedFetch(item))
		return nil
	}
	for _, tag := range e.pendingOrder {
		cmd := e.pending[tag]
		if cmd != nil && cmd.fetch != nil && !cmd.abandoned {
			cmd.fetch(item)
			return nil
		}
	}
	e.unsolicited(UntaggedFetch(item))
	return nil
}

// xend requires the unit to be fully consumed, modulo trailing space.
func (e *Engine) xend(c *cursor) {
	c.skipSpace()
	if !c.empty() {
		c.xerrorf("leftover data in response")
	}
}

func (e *Engine) unsolicited(u Untagged) {
	if e.opts.Unsolicited != nil {
		e.opts.Unsolicited(u)
	}
}

// notifyNumbered forwards numeric updates: to the idle callback while
// idling, otherwise as unsolicited.
func (e *Engine) notifyNumbered(name string, num uint32, u Untagged) {
	if e.idleActive && e.opts.IdleUpdate != nil {
		e.opts.IdleUpdate(name, num)
		return
	}
	if u != nil {
		e.unsolicited(u)
	}
}

func (e *Engine) updateCount(name string, n uint32) {
	mb := e.selecting
	if mb == nil {
		mb = e.selected
	}
	if mb != nil {
		switch name {
		case "EXISTS":
			mb.Exists = n
		case "RECENT":
			mb.Recent = n
		}
	}
}

func (e *Engine) applyStatus(st UntaggedStatus) {
	mb := e.statuses[st.Mailbox]
	if mb == nil {
		mb = &MailboxStatus{Name: st.Mailbox}
		e.statuses[st.Mailbox] = mb
	}
	for attr, n := range st.Attrs {
		switch attr {
		case StatusMessages:
			mb.Exists = uint32(n)
		case StatusRecent:
			mb.Recent = uint32(n)
		case StatusUnseen:
			mb.Unseen = uint32(n)
		case StatusUIDNext:
			mb.UIDNext = uint32(n)
		case StatusUIDValidity:
			mb.UIDValidity = uint32(n)
		}
	}
}

// applyCode folds a response code into engine state.
func (e *Engine) applyCode(code Code) {
	mb := e.selecting
	if mb == nil {
		mb = e.selected
	}
	switch x := code.(type) {
	case CodeCapability:
		e.caps = newCapabilitySet(x)
		e.capsValid = true
	case CodeUnseen:
		if mb != nil {
			mb.Unseen = uint32(x)
		}
	case CodeUIDNext:
		if mb != nil {
			mb.UIDNext = uint32(x)
		}
	case CodeUIDValidity:
		if mb != nil {
			mb.UIDValidity = uint32(x)
		}
	case CodePermanentFlags:
		if mb != nil {
			mb.PermanentFlags = x
		}
	case CodeWord:
		if mb != nil && (x == "READ-ONLY" || x == "READ-WRITE") {
			mb.ReadOnly = x == "READ-ONLY"
		}
	}
}

// byeReceived handles an untagged BYE: the server is going away.
func (e *Engine) byeReceived() {
	e.setState(StateLogout)
}

// drainPendingExceptLogout fails pending commands with ConnectionLost. A
// pending LOGOUT is left alone: its OK follows the BYE. Entries stay in
// the table so late tagged responses are consumed silently.
func (e *Engine) drainPendingExceptLogout() {
	for _, tag := range e.pendingOrder {
		cmd := e.pending[tag]
		if cmd == nil || cmd.abandoned || cmd.name == "LOGOUT" {
			continue
		}
		cmd.abandoned = true
		if cmd.done != nil {
			metrics.ResultInc(strings.ToLower(string(ConnectionLost)))
			cmd.done(Result{Status: ConnectionLost})
		}
	}
}

// resolve completes the pending command for a tagged response line.
func (e *Engine) resolve(tag string, res Result) error {
	cmd := e.pending[tag]
	if cmd == nil {
		metrics.ProtocolErrorInc("dispatch")
		return Error{fmt.Errorf("%w: %q", ErrUnexpectedTag, tag)}
	}
	delete(e.pending, tag)
	for i, t := range e.pendingOrder {
		if t == tag {
			e.pendingOrder = append(e.pendingOrder[:i], e.pendingOrder[i+1:]...)
			break
		}
	}
	for i, ct := range e.conts {
		if ct == cmd {
			e.conts = append(e.conts[:i], e.conts[i+1:]...)
			break
		}
	}

	e.applyCode(res.Code)
	if cmd.internal != nil {
		cmd.internal(res)
	}
	if cmd.abandoned {
		e.log.Debug("discarding response for abandoned command", slog.String("tag", tag))
		return nil
	}
	metrics.ResultInc(strings.ToLower(string(res.Status)))
	if res.Status == BAD {
		// A BAD is a client bug: we sent something the server could not
		// parse.
		e.log.Error("server says bad", slog.String("tag", tag), slog.String("text", res.Text))
	}
	if cmd.done != nil {
		cmd.done(res)
	}
	return nil
}

// continuation handles a "+" line: the oldest command waiting on one gets
// it, either the next synchronous literal chunk or a SASL round.
func (e *Engine) continuation(text string) {
	if len(e.conts) == 0 {
		e.log.Debug("continuation without waiting command", slog.String("text", text))
		return
	}
	cmd := e.conts[0]

	switch {
	case cmd.sasl != nil:
		e.saslRound(cmd, text)

	case len(cmd.continuations) > 0:
		chunk := cmd.continuations[0]
		cmd.continuations = cmd.continuations[1:]
		if cmd.auth() {
			e.writeAuth(chunk)
		} else {
			e.write(chunk)
		}
		if len(cmd.continuations) == 0 {
			e.conts = e.conts[1:]
		}

	case cmd.name == "IDLE":
		e.conts = e.conts[1:]
		e.idleActive = true
		e.log.Debug("idle active")
		if e.idleDone {
			// A command was issued before the server acked IDLE; end it
			// now that DONE is valid.
			e.idleActive = false
			e.write([]byte("DONE\r\n"))
		}

	default:
		e.conts = e.conts[1:]
	}
}

// saslRound answers one SASL challenge. The initial response is sent on an
// empty first challenge, as RFC 3501 AUTHENTICATE has no initial-response
// syntax.
func (e *Engine) saslRound(cmd *pendingCmd, challenge string) {
	var resp []byte
	if challenge == "" && cmd.saslInitial != nil {
		resp = cmd.saslInitial
		cmd.saslInitial = nil
	} else {
		chal, err := base64.StdEncoding.DecodeString(challenge)
		if err != nil {
			e.log.Errorx("bad sasl challenge", err)
			e.writeAuth([]byte("*\r\n"))
			return
		}
		resp, err = cmd.sasl.Next(chal)
		if err != nil {
			e.log.Errorx("sasl mechanism failed", err)
			e.writeAuth([]byte("*\r\n"))
			return
		}
	}
	e.writeAuth([]byte(base64.StdEncoding.EncodeToString(resp) + "\r\n"))
}

// write appends outbound bytes, tracing them.
func (e *Engine) write(buf []byte) {
	e.log.Trace(mlog.LevelTrace, "CW: ", buf)
	e.out = append(e.out, buf...)
}

// writeAuth is write for credential-bearing bytes, traced at the auth
// level.
func (e *Engine) writeAuth(buf []byte) {
	e.log.Trace(mlog.LevelTraceauth, "CW: ", buf)
	e.out = append(e.out, buf...)
}

// nextTag allocates the next command tag: fixed-width, monotonic, widening
// when the width is exhausted.
func (e *Engine) nextTag() string {
	e.tagGen++
	for e.tagGen >= pow10(e.tagWidth) {
		e.tagWidth++
	}
	return fmt.Sprintf("A%0*d", e.tagWidth, e.tagGen)
}

func pow10(n int) int {
	r := 1
	for i := 0; i < n; i++ {
		r *= 10
	}
	return r
}

// command validates, encodes and sends (or queues, during IDLE) a command.
// The chunks after the first are each written after a server continuation.
func (e *Engine) command(name string, cb func(Result), b *cmdBuilder) (*pendingCmd, error) {
	if e.fatal {
		return nil, Error{fmt.Errorf("connection is in fatal state")}
	}
	if !stateAllows(name, e.state) {
		return nil, Error{fmt.Errorf("%w: %s in state %s", ErrBadState, name, e.state)}
	}

	cmd := &pendingCmd{
		tag:    e.nextTag(),
		name:   name,
		sentAt: e.now(),
		done:   cb,
	}
	b.chunks[0] = append([]byte(cmd.tag+" "), b.chunks[0]...)
	b.end()

	e.pending[cmd.tag] = cmd
	e.pendingOrder = append(e.pendingOrder, cmd.tag)
	cmd.continuations = b.chunks[1:]
	metrics.CommandInc(strings.ToLower(name))

	e.send(cmd, b.chunks[0])
	return cmd, nil
}

// send writes the first chunk now, or buffers it while IDLE winds down.
// Commands driving SASL or IDLE continuations register in e.conts after
// their pendingCmd is fully set up, in their command methods.
func (e *Engine) send(cmd *pendingCmd, first []byte) {
	needsCont := len(cmd.continuations) > 0

	if e.idleTag != "" && cmd.name != "IDLE" {
		// Terminate IDLE first; the command goes out when the IDLE tag
		// completes.
		e.idleQueue = append(e.idleQueue, first)
		if needsCont {
			e.conts = append(e.conts, cmd)
		}
		if !e.idleDone {
			e.idleDone = true
			if e.idleActive {
				// DONE is only valid after the server acked IDLE with a
				// continuation; otherwise it goes out on that ack.
				e.idleActive = false
				e.write([]byte("DONE\r\n"))
			}
		}
		return
	}

	if needsCont {
		e.conts = append(e.conts, cmd)
	}
	if cmd.auth() {
		e.writeAuth(first)
	} else {
		e.write(first)
	}
}

func (cmd *pendingCmd) auth() bool {
	return cmd.name == "LOGIN"
}

// idleFinished flushes commands that were buffered while IDLE wound down.
func (e *Engine) idleFinished() {
	e.idleTag = ""
	e.idleDone = false
	e.idleActive = false
	for _, buf := range e.idleQueue {
		e.write(buf)
	}
	e.idleQueue = nil
}

// Cancel detaches the completion callbacks of a pending command. The tag
// cannot be recalled: the engine still consumes the eventual tagged
// response and discards it.
func (e *Engine) Cancel(tag string) {
	cmd := e.pending[tag]
	if cmd == nil || cmd.abandoned {
		return
	}
	cmd.abandoned = true
	if cmd.done != nil {
		metrics.ResultInc(strings.ToLower(string(Cancelled)))
		cmd.done(Result{Status: Cancelled})
	}
}

// SetDeadline sets a completion deadline on a pending command, checked by
// ExpireDeadlines.
func (e *Engine) SetDeadline(tag string, t time.Time) {
	if cmd := e.pending[tag]; cmd != nil {
		cmd.deadline = t
	}
}

// ExpireDeadlines fails pending commands whose deadline passed with
// Timeout. Their eventual tagged responses are consumed and discarded.
func (e *Engine) ExpireDeadlines(now time.Time) {
	for _, tag := range e.pendingOrder {
		cmd := e.pending[tag]
		if cmd == nil || cmd.abandoned || cmd.deadline.IsZero() || now.Before(cmd.deadline) {
			continue
		}
		cmd.abandoned = true
		if cmd.done != nil {
			metrics.ResultInc(strings.ToLower(string(Timeout)))
			cmd.done(Result{Status: Timeout})
		}
	}
}

// setState applies a state transition and its entry actions.
func (e *Engine) setState(st ConnState) {
	if e.state == st {
		return
	}
	e.log.Debug("state change", slog.String("from", e.state.String()), slog.String("to", st.String()))
	e.state = st

	switch st {
	case StateGreeting:
		// Ask for capabilities, unless the greeting already carried them
		// in a response code.
		if e.capsValid {
			e.capabilityDone()
			return
		}
		b := newCmdBuilder("CAPABILITY")
		cmd, err := e.command("CAPABILITY", nil, b)
		if err != nil {
			e.log.Check(err, "requesting capabilities")
			return
		}
		cmd.internal = func(res Result) {
			if res.Status == OK {
				e.capabilityDone()
			} else {
				e.fail(Error{fmt.Errorf("capability command failed: %s", res.Text)})
			}
		}

	case StateNotAuthenticated:
		e.maybeStartTLS()

	case StateLogout:
		e.drainPendingExceptLogout()
	}
}

// capabilityDone runs after the greeting's capability exchange.
func (e *Engine) capabilityDone() {
	if !e.caps.IMAP4rev1() {
		e.fail(Error{ErrNotIMAP4rev1})
		return
	}
	if e.preauth {
		e.setState(StateAuthenticated)
	} else {
		e.setState(StateNotAuthenticated)
	}
}

// maybeStartTLS upgrades to TLS when configured and advertised, then (or
// otherwise) logs in when credentials were configured.
func (e *Engine) maybeStartTLS() {
	if e.opts.StartTLS && !e.tlsActive && e.caps.Has(CapStartTLS) {
		b := newCmdBuilder("STARTTLS")
		cmd, err := e.command("STARTTLS", nil, b)
		if err != nil {
			e.log.Check(err, "requesting starttls")
			return
		}
		cmd.internal = func(res Result) {
			if res.Status != OK {
				e.fail(Error{fmt.Errorf("starttls refused: %s", res.Text)})
				return
			}
			e.tlsActive = true
			e.capsValid = false
			if e.opts.UpgradeTLS != nil {
				e.opts.UpgradeTLS()
			}
			// Capabilities may differ on the TLS channel.
			rb := newCmdBuilder("CAPABILITY")
			rcmd, rerr := e.command("CAPABILITY", nil, rb)
			if rerr != nil {
				e.log.Check(rerr, "refreshing capabilities")
				return
			}
			rcmd.internal = func(res Result) {
				if res.Status == OK {
					e.maybeLogin()
				}
			}
		}
		return
	}
	e.maybeLogin()
}

func (e *Engine) maybeLogin() {
	if e.opts.Username == "" {
		return
	}
	_, err := e.Login(e.opts.Username, e.opts.Password, nil)
	e.log.Check(err, "automatic login")
}
