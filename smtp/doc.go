// Package smtp implements the client side of an SMTP (RFC 5321) submission
// dialogue: greeting, EHLO capability negotiation, optional STARTTLS,
// optional AUTH, and the MAIL/RCPT/DATA exchange that hands a message to a
// relay. It owns the wire framing (multi-line replies, dot-stuffing) and
// the dialogue state machine; it does not dial, resolve, or perform the TLS
// handshake itself; the caller supplies an already-connected byte stream and,
// for STARTTLS, completes the upgrade and hands back the wrapped stream.
package smtp
