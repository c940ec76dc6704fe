// Package message implements the wire codec shared by the service, the CLI
// and the UI process.
//
// A message on the wire is either a bare header or a header and a body
// joined by Separator. Only the first separator splits, so bodies (usually
// JSON) may contain it freely.
package message

import (
	"strings"

	apperrors "github.com/scalar/service/internal/errors"
)

// Separator joins header and body on the wire.
const Separator = '|'

// Message is one decoded frame. A nil Body is the null body and is encoded
// without a trailing separator; a non-nil empty Body is encoded as "header|".
type Message struct {
	Header string
	Body   *string
}

// New returns a message with the given header and body.
func New(header, body string) Message {
	return Message{Header: header, Body: &body}
}

// NewHeaderOnly returns a message with a null body.
func NewHeaderOnly(header string) Message {
	return Message{Header: header}
}

// Encode renders header and body in wire form.
func Encode(header string, body *string) string {
	if body == nil {
		return header
	}
	var b strings.Builder
	b.Grow(len(header) + 1 + len(*body))
	b.WriteString(header)
	b.WriteByte(Separator)
	b.WriteString(*body)
	return b.String()
}

// Decode parses a wire string. An empty string decodes to the null message.
func Decode(s string) Message {
	if s == "" {
		return Message{}
	}
	header, body, found := strings.Cut(s, string(Separator))
	if !found {
		return Message{Header: header}
	}
	return Message{Header: header, Body: &body}
}

// String returns the wire form of m.
func (m Message) String() string {
	return Encode(m.Header, m.Body)
}

// IsNull reports whether m has neither header nor body.
func (m Message) IsNull() bool {
	return m.Header == "" && m.Body == nil
}

// HasBody reports whether m carries a body, possibly empty.
func (m Message) HasBody() bool {
	return m.Body != nil
}

// BodyString returns the body, or "" for the null body.
func (m Message) BodyString() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// Validate checks that m can be encoded and decoded back unchanged.
func (m Message) Validate() error {
	if m.Header == "" || strings.ContainsRune(m.Header, Separator) {
		return apperrors.InvalidHeader(m.Header)
	}
	return nil
}

// Equal reports whether two messages have the same header and body,
// distinguishing the null body from the empty one.
func (m Message) Equal(other Message) bool {
	if m.Header != other.Header {
		return false
	}
	if m.Body == nil || other.Body == nil {
		return m.Body == nil && other.Body == nil
	}
	return *m.Body == *other.Body
}
