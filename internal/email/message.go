// Package email defines the message data model used throughout the signer:
// the SMTP envelope, the ordered header fields and the raw body.
package email

import (
	"bytes"
	"errors"
	"strings"
)

// ErrSealed is returned when a sealed message is modified.
var ErrSealed = errors.New("email: message is sealed for delivery")

// Field is a single header field. Value holds everything after the colon
// and the following space. Parsed values are unfolded; values handed over
// by an MTA may still contain folding.
//
// Raw holds the field exactly as received, folding and line ending
// included. It is nil for fields created locally.
type Field struct {
	Name  string
	Value string
	Raw   []byte
}

// Header is an ordered list of header fields.
type Header []Field

// Get returns the value of the first field named name (case-insensitive).
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether a field named name is present.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Count returns the number of fields named name.
func (h Header) Count(name string) int {
	n := 0
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			n++
		}
	}
	return n
}

// Clone returns a copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

// Encode writes the fields in wire form. Received fields are written as
// they arrived; the others are written as "Name: Value" and CRLF.
func (h Header) Encode(b *bytes.Buffer) {
	for _, f := range h {
		if f.Raw != nil {
			b.Write(f.Raw)
			continue
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
}

// Message is a mail transaction: envelope, header and body.
//
// Message doubles as an in-memory host for a signing session. Mutations
// between Begin and Commit can be undone with Rollback, and a sealed message
// rejects all mutations.
type Message struct {
	// From is the envelope sender (MAIL FROM), without angle brackets.
	From string

	// To holds the envelope recipients (RCPT TO).
	To []string

	Header Header
	Body   []byte

	sealed   bool
	snapshot *snapshot
}

type snapshot struct {
	header Header
	body   []byte
}

// AddHeader appends a header field.
func (m *Message) AddHeader(name, value string) error {
	if m.sealed {
		return ErrSealed
	}
	m.Header = append(m.Header, Field{Name: name, Value: value})
	return nil
}

// RemoveHeader deletes every field named name.
func (m *Message) RemoveHeader(name string) error {
	if m.sealed {
		return ErrSealed
	}
	kept := m.Header[:0:0]
	for _, f := range m.Header {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	m.Header = kept
	return nil
}

// ReplaceBody substitutes the message body.
func (m *Message) ReplaceBody(body []byte) error {
	if m.sealed {
		return ErrSealed
	}
	m.Body = append([]byte(nil), body...)
	return nil
}

// Begin records the current header and body so that Rollback can restore
// them.
func (m *Message) Begin() {
	m.snapshot = &snapshot{header: m.Header.Clone(), body: m.Body}
}

// Commit discards the snapshot taken by Begin.
func (m *Message) Commit() error {
	if m.sealed {
		return ErrSealed
	}
	m.snapshot = nil
	return nil
}

// Rollback restores the header and body recorded by Begin.
func (m *Message) Rollback() {
	if m.snapshot == nil {
		return
	}
	m.Header = m.snapshot.header
	m.Body = m.snapshot.body
	m.snapshot = nil
}

// Seal marks the message as handed off for delivery.
func (m *Message) Seal() {
	m.sealed = true
}

// Sealed reports whether Seal has been called.
func (m *Message) Sealed() bool {
	return m.sealed
}

// Subject returns the Subject header field.
func (m *Message) Subject() string {
	return m.Header.Get("Subject")
}

// Bytes returns the message in wire form: header, empty line, body. The
// empty line takes the line ending of the last header field.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	m.Header.Encode(&b)
	b.WriteString(m.Header.lineEnding())
	b.Write(m.Body)
	return b.Bytes()
}

// lineEnding returns "\n" when the last field was received with a bare LF,
// otherwise CRLF.
func (h Header) lineEnding() string {
	if len(h) == 0 {
		return "\r\n"
	}
	raw := h[len(h)-1].Raw
	if bytes.HasSuffix(raw, []byte("\n")) && !bytes.HasSuffix(raw, []byte("\r\n")) {
		return "\n"
	}
	return "\r\n"
}
