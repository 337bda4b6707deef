package imapclient

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/mailiner/imapcore/imapwire"
)

// Capability is a capability name as announced by the server, always in
// upper case. AUTH= capabilities are folded into CapabilitySet.AuthMechs.
type Capability string

const (
	CapIMAP4rev1     Capability = "IMAP4REV1"
	CapStartTLS      Capability = "STARTTLS"
	CapLoginDisabled Capability = "LOGINDISABLED"
	CapIdle          Capability = "IDLE"
	CapLiteralPlus   Capability = "LITERAL+"
	CapNamespace     Capability = "NAMESPACE"
	CapUnselect      Capability = "UNSELECT"
	CapUidplus       Capability = "UIDPLUS"
	CapChildren      Capability = "CHILDREN"
)

// CapabilitySet is the parsed CAPABILITY response: the set of announced
// capabilities plus the AUTH= mechanisms in announcement order.
type CapabilitySet struct {
	Available map[Capability]struct{}
	AuthMechs []string
}

func newCapabilitySet(caps []string) CapabilitySet {
	cs := CapabilitySet{Available: map[Capability]struct{}{}}
	for _, c := range caps {
		C := strings.ToUpper(c)
		if mech, ok := strings.CutPrefix(C, "AUTH="); ok {
			cs.AuthMechs = append(cs.AuthMechs, mech)
		}
		cs.Available[Capability(C)] = struct{}{}
	}
	return cs
}

// Has reports whether cap was announced.
func (cs CapabilitySet) Has(cap Capability) bool {
	_, ok := cs.Available[cap]
	return ok
}

// IMAP4rev1 reports whether the server announced the mandatory IMAP4rev1
// capability.
func (cs CapabilitySet) IMAP4rev1() bool {
	return cs.Has(CapIMAP4rev1)
}

// Status is the outcome of a command. OK, NO and BAD come from the tagged
// response line; the remaining values are synthesized by the engine.
type Status string

const (
	OK  Status = "OK"
	NO  Status = "NO"
	BAD Status = "BAD"

	// Cancelled means the caller detached the command; the eventual tagged
	// response is consumed and discarded.
	Cancelled Status = "CANCELLED"
	// ConnectionLost means the connection went away before the tagged
	// response arrived.
	ConnectionLost Status = "CONNECTIONLOST"
	// Timeout means the command deadline expired; the eventual tagged
	// response is consumed and discarded.
	Timeout Status = "TIMEOUT"
)

// Result is the completion of a command: the status with the response code
// and text of the tagged line. Result implements the error interface so a
// NO or BAD can be passed around as error.
type Result struct {
	Status Status
	Code   Code   // Set if a response code was present.
	Text   string // Any remaining text.
}

func (r Result) Error() string {
	s := fmt.Sprintf("imap result %s", r.Status)
	if r.Code != nil {
		s += "[" + r.Code.CodeString() + "]"
	}
	if r.Text != "" {
		s += " " + r.Text
	}
	return s
}

// Code is a response code with optional arguments, the data between [] at
// the start of a response text.
type Code interface {
	CodeString() string
}

// CodeWord is a response code without parameters, always in upper case.
type CodeWord string

func (c CodeWord) CodeString() string { return string(c) }

// CodeParams is an unrecognized response code with parameters.
type CodeParams struct {
	Code string // Always in upper case.
	Args []string
}

func (c CodeParams) CodeString() string {
	return c.Code + " " + strings.Join(c.Args, " ")
}

// CodeCapability is a CAPABILITY response code with the capabilities
// announced by the server.
type CodeCapability []string

func (c CodeCapability) CodeString() string {
	return "CAPABILITY " + strings.Join(c, " ")
}

type CodePermanentFlags []string

func (c CodePermanentFlags) CodeString() string {
	return "PERMANENTFLAGS (" + strings.Join(c, " ") + ")"
}

type CodeUIDNext uint32

func (c CodeUIDNext) CodeString() string { return fmt.Sprintf("UIDNEXT %d", c) }

type CodeUIDValidity uint32

func (c CodeUIDValidity) CodeString() string { return fmt.Sprintf("UIDVALIDITY %d", c) }

type CodeUnseen uint32

func (c CodeUnseen) CodeString() string { return fmt.Sprintf("UNSEEN %d", c) }

// String is a string from the wire. IMAP distinguishes an absent value
// (NIL) from an empty string, and a literal too large to buffer arrives as
// a stream whose bytes went to the caller's sink. All decoders accept this
// one shape.
type String struct {
	Null   bool
	Bytes  []byte         // Inline value; nil iff Null or streamed.
	Stream *LiteralStream // Handle of a streamed literal, bytes not retained.
}

// LiteralStream is the handle of a literal that was streamed to a sink
// rather than buffered.
type LiteralStream struct {
	Size int64
}

func nilString() String         { return String{Null: true} }
func inline(b []byte) String    { return String{Bytes: b} }
func inlineStr(s string) String { return String{Bytes: []byte(s)} }

// IsNil reports whether the value was NIL on the wire.
func (s String) IsNil() bool { return s.Null }

// Value returns the inline bytes as a string. It is empty for NIL and for
// streamed literals.
func (s String) Value() string { return string(s.Bytes) }

func (s String) String() string {
	if s.Null {
		return "<nil>"
	}
	if s.Stream != nil {
		return fmt.Sprintf("<stream %d bytes>", s.Stream.Size)
	}
	return string(s.Bytes)
}

// DefaultWordDecoder decodes RFC 2047 encoded words in envelope fields,
// with the go-message charset collection.
var DefaultWordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeWords decodes encoded words in s, returning s unchanged when
// decoding fails.
func decodeWords(dec *mime.WordDecoder, s string) string {
	if dec == nil {
		dec = DefaultWordDecoder
	}
	d, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return d
}

// Untagged is a parsed untagged response. See the types starting with
// Untagged.
type Untagged any

// UntaggedCapability lists the capabilities the server announced.
type UntaggedCapability []string

// UntaggedResult is an untagged OK/NO/BAD with response text.
type UntaggedResult Result

type UntaggedBye struct {
	Code Code
	Text string
}

type UntaggedPreauth struct {
	Code Code
	Text string
}

type UntaggedFlags []string

type UntaggedList struct {
	Flags     []string
	Separator byte // 0 for NIL.
	Mailbox   string
}

type UntaggedLsub struct {
	Flags     []string
	Separator byte
	Mailbox   string
}

// StatusAttr is a STATUS response attribute, upper case.
type StatusAttr string

const (
	StatusMessages    StatusAttr = "MESSAGES"
	StatusRecent      StatusAttr = "RECENT"
	StatusUIDNext     StatusAttr = "UIDNEXT"
	StatusUIDValidity StatusAttr = "UIDVALIDITY"
	StatusUnseen      StatusAttr = "UNSEEN"
)

type UntaggedStatus struct {
	Mailbox string
	Attrs   map[StatusAttr]int64
}

type UntaggedSearch []uint32

type UntaggedExists uint32
type UntaggedRecent uint32
type UntaggedExpunge uint32

// UntaggedFetch is a parsed FETCH response for one message.
type UntaggedFetch FetchItem

// FetchItem is the parsed tree of one FETCH response. Zero/nil fields were
// not present in the response: a nil Flags slice means no FLAGS item (an
// empty non-nil slice means FLAGS ()), RFC822Size is -1 when absent.
type FetchItem struct {
	Seq uint32

	Flags         []string
	InternalDate  String
	RFC822Size    int64
	UID           uint32
	Envelope      *Envelope
	BodyStructure any // BodyTypeBasic, BodyTypeText, BodyTypeMsg or BodyTypeMpart.

	// Section payloads keyed by the full item key as sent by the server,
	// e.g. "BODY[]", "BODY[HEADER]<0>", "RFC822.HEADER". A NIL payload is
	// recorded as a String with Null set, distinguishable from "".
	Sections map[string]String
}

// Section returns the payload of a section key and whether the server sent
// it at all.
func (fi FetchItem) Section(key string) (String, bool) {
	s, ok := fi.Sections[key]
	return s, ok
}

// Envelope holds the structured header block of a message. Fields are NIL
// on the wire when absent.
type Envelope struct {
	Date    String
	Subject String

	From, Sender, ReplyTo, To, CC, BCC []Address

	InReplyTo String
	MessageID String
}

// DecodedSubject returns the subject with RFC 2047 encoded words decoded.
// A nil dec uses DefaultWordDecoder.
func (e Envelope) DecodedSubject(dec *mime.WordDecoder) string {
	return decodeWords(dec, e.Subject.Value())
}

// Format returns the envelope in its wire form, using quoted strings. Only
// valid when no field needs a literal.
func (e Envelope) Format() string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(formatString(e.Date))
	b.WriteString(" ")
	b.WriteString(formatString(e.Subject))
	for _, addrs := range [][]Address{e.From, e.Sender, e.ReplyTo, e.To, e.CC, e.BCC} {
		b.WriteString(" ")
		b.WriteString(formatAddresses(addrs))
	}
	b.WriteString(" ")
	b.WriteString(formatString(e.InReplyTo))
	b.WriteString(" ")
	b.WriteString(formatString(e.MessageID))
	b.WriteString(")")
	return b.String()
}

func formatString(s String) string {
	if s.Null {
		return "NIL"
	}
	return imapwire.Quoted(s.Value())
}

func formatAddresses(addrs []Address) string {
	if addrs == nil {
		return "NIL"
	}
	var b strings.Builder
	b.WriteString("(")
	for _, a := range addrs {
		fmt.Fprintf(&b, "(%s %s %s %s)", formatString(a.Name), formatString(a.SourceRoute), formatString(a.Mailbox), formatString(a.Host))
	}
	b.WriteString(")")
	return b.String()
}

// Address is one address in an envelope address list.
type Address struct {
	Name        String // Display name.
	SourceRoute String // Obsolete at-domain-list.
	Mailbox     String // Local part.
	Host        String // Domain.
}

// Addr returns the mailbox@host form, empty when either half is NIL.
func (a Address) Addr() string {
	if a.Mailbox.IsNil() || a.Host.IsNil() {
		return ""
	}
	return a.Mailbox.Value() + "@" + a.Host.Value()
}

// DecodedName returns the display name with RFC 2047 encoded words
// decoded. A nil dec uses DefaultWordDecoder.
func (a Address) DecodedName(dec *mime.WordDecoder) string {
	return decodeWords(dec, a.Name.Value())
}

// BodyFields are the fields common to all single-part body structures.
type BodyFields struct {
	Params                  [][2]string
	ContentID, ContentDescr String
	CTE                     string // Content-transfer-encoding.
	Octets                  int64
}

// BodyTypeBasic is a single non-text, non-message part.
type BodyTypeBasic struct {
	MediaType, MediaSubtype string
	BodyFields              BodyFields
}

// BodyTypeText is a text part, with its line count.
type BodyTypeText struct {
	MediaType, MediaSubtype string
	BodyFields              BodyFields
	Lines                   int64
}

// BodyTypeMsg is a message/rfc822 part, carrying the nested message's
// envelope and body structure.
type BodyTypeMsg struct {
	MediaType, MediaSubtype string
	BodyFields              BodyFields
	Envelope                Envelope
	Bodystructure           any
	Lines                   int64
}

// BodyTypeMpart is a multipart, with its subparts.
type BodyTypeMpart struct {
	Bodies       []any
	MediaSubtype string
	Params       [][2]string
	Disposition  *Disposition
}

// Disposition is a content-disposition from multipart extension data.
type Disposition struct {
	Type   string
	Params [][2]string
}

// MailboxStatus is the tracked state of a mailbox, from SELECT/EXAMINE,
// STATUS and unsolicited untagged updates.
type MailboxStatus struct {
	Name           string
	Exists         uint32
	Recent         uint32
	Unseen         uint32
	UIDNext        uint32
	UIDValidity    uint32
	Flags          []string
	PermanentFlags []string
	ReadOnly       bool
}

// ConnState is the connection state, driving which commands are legal.
type ConnState uint8

const (
	StateClosed ConnState = iota
	StateEstablished
	StateGreeting
	StateNotAuthenticated
	StateAuthenticated
	StateSelected
	StateLogout
)

var stateStrings = map[ConnState]string{
	StateClosed:           "closed",
	StateEstablished:      "established",
	StateGreeting:         "greeting",
	StateNotAuthenticated: "notauthenticated",
	StateAuthenticated:    "authenticated",
	StateSelected:         "selected",
	StateLogout:           "logout",
}

func (s ConnState) String() string { return stateStrings[s] }

// Error is a protocol-level error. Parse errors tear down the connection
// since wire framing can no longer be trusted.
type Error struct{ err error }

func (e Error) Error() string { return e.err.Error() }
func (e Error) Unwrap() error { return e.err }

var (
	// ErrNotIMAP4rev1 is reported when the CAPABILITY response lacks
	// IMAP4rev1.
	ErrNotIMAP4rev1 = errors.New("server does not announce IMAP4rev1")

	// ErrOverflow is a numeric field too large for its type: int64, or
	// uint32 for sequence numbers and 32-bit response code values.
	ErrOverflow = errors.New("number overflow")

	// ErrBadState is a command issued in a connection state that forbids
	// it.
	ErrBadState = errors.New("command not valid in this state")

	// ErrUnexpectedTag is a tagged response for a tag not in the pending
	// table.
	ErrUnexpectedTag = errors.New("unexpected tag")
)

// UnknownFetchItemError is an unrecognized key in a FETCH response. It
// fails only the FETCH response it occurred in; the session continues.
type UnknownFetchItemError struct {
	Name string
}

func (e UnknownFetchItemError) Error() string {
	return fmt.Sprintf("unknown fetch item %q", e.Name)
}

// DuplicateFetchItemError is a key occurring twice within one FETCH
// response. Like an unknown key, it fails only that response.
type DuplicateFetchItemError struct {
	Name string
}

func (e DuplicateFetchItemError) Error() string {
	return fmt.Sprintf("duplicate fetch item %q", e.Name)
}
