package smtp

import (
	"bytes"
	"io"
)

// Envelope is a reverse-path (the MAIL FROM address, possibly empty for a
// bounce) and one or more forward-paths (RCPT TO addresses).
type Envelope struct {
	From Address
	To   []Address
}

// NewEnvelope validates from and to and returns an Envelope, or a
// MissingTo error if to is empty.
func NewEnvelope(from Address, to ...Address) (*Envelope, error) {
	if len(to) == 0 {
		return nil, newError(KindMissingTo, errNoRecipients)
	}
	return &Envelope{From: from, To: to}, nil
}

// Sendable pairs an Envelope with its message body. The body is read at
// most once: the first call to Open returns the body reader, and every
// later call returns an error, since a stream-backed body cannot be
// rewound.
type Sendable struct {
	Envelope Envelope
	body     io.Reader
	opened   bool
}

// NewSendable returns a Sendable for envelope with the given body source.
func NewSendable(envelope Envelope, body io.Reader) *Sendable {
	return &Sendable{Envelope: envelope, body: body}
}

// NewSendableBytes is a convenience constructor for an in-memory body.
func NewSendableBytes(envelope Envelope, body []byte) *Sendable {
	return NewSendable(envelope, bytes.NewReader(body))
}

// Open returns the body reader, consuming it. It must be called at most
// once per Sendable.
func (s *Sendable) Open() (io.Reader, error) {
	if s.opened {
		return nil, newError(KindClient, errEmptyBodySource)
	}
	s.opened = true
	return s.body, nil
}
