package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"blitiri.com.ar/go/smtpclient/internal/trace"
)

// maxAuthChallenges caps the number of 334 challenge/response round trips
// a single AUTH exchange will follow, guarding against a misbehaving or
// malicious server that never sends a final reply.
const maxAuthChallenges = 10

// deadliner is implemented by streams that support per-call timeouts (as
// net.Conn does). Streams that don't implement it simply never time out.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Engine drives one SMTP dialogue over a stream. It is not safe for
// concurrent use: all operations on a given Engine are sequential, mirroring
// the single-threaded cooperative model of the protocol itself. Concurrency
// is achieved by owning multiple Engines over multiple streams, not by
// sharing one.
//
// An Engine is constructed by Client.Open and is good for one TCP/TLS
// connection. STARTTLS retires the Engine: it returns the raw stream to the
// caller, who must build a fresh Engine around the upgraded stream.
type Engine struct {
	stream  io.ReadWriteCloser
	config  Config
	info    *ServerInfo
	readBuf []byte
	scratch [4096]byte

	// unusable is set once the dialogue can no longer proceed: a protocol
	// error, an I/O error, or a STARTTLS handoff. Once set, every
	// subsequent operation fails fast with it.
	unusable error
}

func (e *Engine) checkUsable() error {
	if e.unusable != nil {
		return newError(KindClient, e.unusable)
	}
	return nil
}

func (e *Engine) markUnusable(err error) {
	if e.unusable == nil {
		e.unusable = err
	}
}

// withDeadline arms the stream's deadline for the duration of a call, if
// both ctx carries one and the stream supports it, and returns a function
// that clears it again.
func (e *Engine) withDeadline(ctx context.Context) func() {
	dl, ok := ctx.Deadline()
	d, isDeadliner := e.stream.(deadliner)
	if !ok || !isDeadliner {
		return func() {}
	}
	d.SetDeadline(dl)
	return func() { d.SetDeadline(time.Time{}) }
}

func classifyIOErr(err error) *Error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(KindTimeout, err)
	}
	return newError(KindIO, err)
}

func (e *Engine) checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		e.markUnusable(err)
		return newError(KindClient, err)
	}
	return nil
}

func (e *Engine) write(ctx context.Context, s string) error {
	if err := e.checkCtx(ctx); err != nil {
		return err
	}
	cancel := e.withDeadline(ctx)
	defer cancel()

	if _, err := io.WriteString(e.stream, s); err != nil {
		cerr := classifyIOErr(err)
		e.markUnusable(cerr)
		return cerr
	}
	return nil
}

// readResponse reads and parses the next complete SMTP reply, accumulating
// bytes across as many stream reads as needed.
func (e *Engine) readResponse(ctx context.Context) (*Response, error) {
	if err := e.checkCtx(ctx); err != nil {
		return nil, err
	}
	cancel := e.withDeadline(ctx)
	defer cancel()

	for {
		rest, resp, err := ParseResponse(e.readBuf)
		if err == nil {
			e.readBuf = rest
			return resp, nil
		}
		if !IsNeedMoreData(err) {
			e.markUnusable(err)
			return nil, err
		}

		n, rerr := e.stream.Read(e.scratch[:])
		if n > 0 {
			e.readBuf = append(e.readBuf, e.scratch[:n]...)
		}
		if rerr != nil {
			cerr := classifyIOErr(rerr)
			e.markUnusable(cerr)
			return nil, cerr
		}
	}
}

// open performs the greeting/EHLO handshake described by spec.md's open
// operation. It is called once by Client.Open.
func (e *Engine) open(ctx context.Context) error {
	tr := trace.New("smtp.Engine", "open")
	defer tr.Finish()

	if e.config.expectGreeting {
		resp, err := e.readResponse(ctx)
		if err != nil {
			return tr.Error(err)
		}
		if !resp.IsPositive() {
			e.markUnusable(replyErr(resp))
			return tr.Error(replyErr(resp))
		}
	}

	if err := e.write(ctx, ehloCommand(e.config.helloName.String())); err != nil {
		return tr.Error(err)
	}
	resp, err := e.readResponse(ctx)
	if err != nil {
		return tr.Error(err)
	}
	if !resp.IsPositive() {
		e.markUnusable(replyErr(resp))
		return tr.Error(replyErr(resp))
	}

	e.info = parseServerInfo(resp.Lines)
	tr.Debugf("EHLO accepted, server is %q", e.info.Name)
	return nil
}

// StartTLS requests a TLS upgrade. On success it hands the raw stream to
// the caller and retires this Engine; the caller must complete the TLS
// handshake and build a new Engine (with WithoutGreeting) around the
// upgraded stream.
func (e *Engine) StartTLS(ctx context.Context) (io.ReadWriteCloser, error) {
	tr := trace.New("smtp.Engine", "starttls")
	defer tr.Finish()

	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	if e.info == nil {
		return nil, tr.Error(newError(KindNoServerInfo, fmt.Errorf("EHLO has not been answered")))
	}
	if !e.info.SupportsFeature(ExtSTARTTLS) {
		return nil, tr.Error(newError(KindClient, errSTARTTLSUnsupported))
	}

	if err := e.write(ctx, starttlsCommand); err != nil {
		return nil, tr.Error(err)
	}
	resp, err := e.readResponse(ctx)
	if err != nil {
		return nil, tr.Error(err)
	}
	if !resp.IsPositive() {
		e.markUnusable(replyErr(resp))
		return nil, tr.Error(replyErr(resp))
	}

	tr.Debugf("STARTTLS accepted, handing stream off for upgrade")
	stream := e.stream
	e.stream = nil
	e.markUnusable(errEngineHandedOff)
	return stream, nil
}

// TryLogin scans mechanisms in the given order and authenticates with the
// first one the server advertises. If none match, it succeeds silently,
// logging that no mechanism was found, per spec.md's explicit policy.
func (e *Engine) TryLogin(ctx context.Context, creds Credentials, mechanisms ...Mechanism) (Mechanism, error) {
	tr := trace.New("smtp.Engine", "try_login")
	defer tr.Finish()

	if err := e.checkUsable(); err != nil {
		return "", err
	}
	if e.info == nil {
		return "", tr.Error(newError(KindNoServerInfo, fmt.Errorf("EHLO has not been answered")))
	}

	for _, m := range mechanisms {
		if e.info.SupportsAuthMechanism(m) {
			if err := e.auth(ctx, tr, m, creds); err != nil {
				return m, err
			}
			return m, nil
		}
	}

	tr.Printf("no requested AUTH mechanism (%v) is supported by the server, skipping auth", mechanisms)
	return "", nil
}

// Auth authenticates with the given mechanism, failing if the server
// doesn't advertise it.
func (e *Engine) Auth(ctx context.Context, mechanism Mechanism, creds Credentials) error {
	tr := trace.New("smtp.Engine", "auth")
	defer tr.Finish()

	if err := e.checkUsable(); err != nil {
		return err
	}
	if e.info == nil {
		return tr.Error(newError(KindNoServerInfo, fmt.Errorf("EHLO has not been answered")))
	}
	if !e.info.SupportsAuthMechanism(mechanism) {
		return tr.Error(newError(KindClient, errNoMechanismSupported))
	}
	return e.auth(ctx, tr, mechanism, creds)
}

func (e *Engine) auth(ctx context.Context, tr *trace.Trace, mech Mechanism, creds Credentials) error {
	initial, _ := initialResponse(mech, creds)
	if err := e.write(ctx, authCommand(string(mech), initial)); err != nil {
		return tr.Error(err)
	}

	for step := 0; ; step++ {
		resp, err := e.readResponse(ctx)
		if err != nil {
			return tr.Error(err)
		}

		if resp.Code.Value() != 334 {
			if !resp.IsPositive() {
				e.markUnusable(replyErr(resp))
				return tr.Error(replyErr(resp))
			}
			tr.Debugf("AUTH %s accepted", mech)
			return nil
		}

		if step >= maxAuthChallenges {
			e.markUnusable(errTooManyChallenges)
			return tr.Error(newError(KindResponseParsing, errTooManyChallenges))
		}

		var challengeB64 string
		if len(resp.Lines) > 0 {
			if fields := strings.Fields(resp.Lines[0]); len(fields) > 0 {
				challengeB64 = fields[0]
			}
		}
		decoded, derr := base64.StdEncoding.DecodeString(challengeB64)
		if derr != nil {
			e.markUnusable(derr)
			return tr.Error(newError(KindChallengeDecoding, derr))
		}
		if !utf8.Valid(decoded) {
			uerr := fmt.Errorf("AUTH challenge is not valid UTF-8")
			e.markUnusable(uerr)
			return tr.Error(newError(KindUTF8Decoding, uerr))
		}

		reply, err := challengeResponse(mech, creds, step)
		if err != nil {
			e.markUnusable(err)
			return tr.Error(err)
		}
		if err := e.write(ctx, authResponseLine(reply)); err != nil {
			return tr.Error(err)
		}
	}
}

// Send issues MAIL, RCPT (one per recipient), and DATA for s, streams its
// body through the dot-stuffing codec, and returns the server's final
// reply to the end-of-body terminator.
//
// If the server advertises PIPELINING and the Client was built with
// WithPipelining, MAIL, all RCPTs, and DATA are written back-to-back and
// their replies drained in order before the body is streamed; any
// non-positive reply in that window is still drained to keep the stream
// aligned, then returned as the first error seen.
func (e *Engine) Send(ctx context.Context, s *Sendable) (*Response, error) {
	tr := trace.New("smtp.Engine", "send")
	defer tr.Finish()

	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	if e.info == nil {
		return nil, tr.Error(newError(KindNoServerInfo, fmt.Errorf("EHLO has not been answered")))
	}

	mail := mailCommand(string(s.Envelope.From), e.mailParams()...)
	rcpts := make([]string, len(s.Envelope.To))
	for i, to := range s.Envelope.To {
		rcpts[i] = rcptCommand(string(to))
	}

	pipeline := e.config.pipelining && e.info.SupportsFeature(ExtPipelining)

	var err error
	if pipeline {
		err = e.sendPipelined(ctx, tr, mail, rcpts)
	} else {
		err = e.sendSequential(ctx, tr, mail, rcpts)
	}
	if err != nil {
		return nil, err
	}

	return e.sendBody(ctx, tr, s)
}

func (e *Engine) mailParams() []MailParam {
	var params []MailParam
	if e.info.SupportsFeature(Ext8BitMIME) {
		params = append(params, Body8BitMIME)
	}
	if e.config.smtputf8 && e.info.SupportsFeature(ExtSMTPUTF8) {
		params = append(params, Utf8Param)
	}
	return params
}

func (e *Engine) sendSequential(ctx context.Context, tr *trace.Trace, mail string, rcpts []string) error {
	cmds := append([]string{mail}, rcpts...)
	cmds = append(cmds, dataCommand)

	for _, cmd := range cmds {
		if err := e.write(ctx, cmd); err != nil {
			return tr.Error(err)
		}
		resp, err := e.readResponse(ctx)
		if err != nil {
			return tr.Error(err)
		}
		if !resp.IsPositive() {
			e.markUnusable(replyErr(resp))
			return tr.Error(replyErr(resp))
		}
	}
	return nil
}

func (e *Engine) sendPipelined(ctx context.Context, tr *trace.Trace, mail string, rcpts []string) error {
	var batch strings.Builder
	batch.WriteString(mail)
	for _, r := range rcpts {
		batch.WriteString(r)
	}
	batch.WriteString(dataCommand)
	if err := e.write(ctx, batch.String()); err != nil {
		return tr.Error(err)
	}

	n := 2 + len(rcpts) // MAIL + RCPTs + DATA
	var first *Error
	for i := 0; i < n; i++ {
		resp, err := e.readResponse(ctx)
		if err != nil {
			return tr.Error(err)
		}
		if first == nil && !resp.IsPositive() {
			first = replyErr(resp)
		}
	}
	if first != nil {
		e.markUnusable(first)
		return tr.Error(first)
	}
	return nil
}

func (e *Engine) sendBody(ctx context.Context, tr *trace.Trace, s *Sendable) (*Response, error) {
	body, err := s.Open()
	if err != nil {
		return nil, tr.Error(err)
	}

	cancel := e.withDeadline(ctx)
	dw := newDataWriter(e.stream)
	_, cerr := io.Copy(dw, body)
	if cerr == nil {
		cerr = dw.Close()
	}
	cancel()
	if cerr != nil {
		ce := classifyIOErr(cerr)
		e.markUnusable(ce)
		return nil, tr.Error(ce)
	}

	resp, err := e.readResponse(ctx)
	if err != nil {
		return nil, tr.Error(err)
	}
	if !resp.IsPositive() {
		e.markUnusable(replyErr(resp))
		return resp, tr.Error(replyErr(resp))
	}
	tr.Debugf("message accepted: %d", resp.Code.Value())
	return resp, nil
}

// Noop sends NOOP and waits for a positive reply. It's mostly useful as a
// keepalive against a relay with an idle timeout between Send calls on the
// same connection.
func (e *Engine) Noop(ctx context.Context) error {
	return e.simpleCommand(ctx, "noop", noopCommand)
}

// Reset sends RSET, aborting any MAIL/RCPT/DATA sequence in progress on the
// server side without closing the connection.
func (e *Engine) Reset(ctx context.Context) error {
	return e.simpleCommand(ctx, "reset", rsetCommand)
}

// Verify sends VRFY for the given mailbox or name and returns the server's
// reply; a positive reply's lines carry the mailbox(es) it resolved to.
// Many relays disable VRFY entirely and reply negatively regardless of
// whether the mailbox exists.
func (e *Engine) Verify(ctx context.Context, arg string) (*Response, error) {
	return e.commandReply(ctx, "verify", vrfyCommand(arg))
}

// Expand sends EXPN for the given mailing list name and returns the
// server's reply, one recipient per line on success.
func (e *Engine) Expand(ctx context.Context, list string) (*Response, error) {
	return e.commandReply(ctx, "expand", expnCommand(list))
}

// Help sends HELP, optionally with a topic, and returns the server's
// reply text verbatim.
func (e *Engine) Help(ctx context.Context, topic string) (*Response, error) {
	return e.commandReply(ctx, "help", helpCommand(topic))
}

// simpleCommand sends cmd and requires a positive reply, discarding its
// text; used by the commands that exist only for their side effect (NOOP,
// RSET).
func (e *Engine) simpleCommand(ctx context.Context, op, cmd string) error {
	tr := trace.New("smtp.Engine", op)
	defer tr.Finish()

	if err := e.checkUsable(); err != nil {
		return err
	}
	if err := e.write(ctx, cmd); err != nil {
		return tr.Error(err)
	}
	resp, err := e.readResponse(ctx)
	if err != nil {
		return tr.Error(err)
	}
	if !resp.IsPositive() {
		e.markUnusable(replyErr(resp))
		return tr.Error(replyErr(resp))
	}
	return nil
}

// commandReply sends cmd and returns whatever reply the server gives,
// positive or not, since VRFY/EXPN/HELP negative replies are routine (many
// relays disable VRFY/EXPN outright) rather than protocol violations the
// caller should only see as an error.
func (e *Engine) commandReply(ctx context.Context, op, cmd string) (*Response, error) {
	tr := trace.New("smtp.Engine", op)
	defer tr.Finish()

	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	if err := e.write(ctx, cmd); err != nil {
		return nil, tr.Error(err)
	}
	resp, err := e.readResponse(ctx)
	if err != nil {
		return nil, tr.Error(err)
	}
	if !resp.IsPositive() {
		tr.Debugf("%s: %d %s", op, resp.Code.Value(), resp.String())
	}
	return resp, nil
}

// Quit sends QUIT, waits for the reply, and closes the underlying stream
// regardless of the outcome.
func (e *Engine) Quit(ctx context.Context) error {
	tr := trace.New("smtp.Engine", "quit")
	defer tr.Finish()

	if e.unusable != nil {
		return e.close()
	}

	werr := e.write(ctx, quitCommand)
	if werr != nil {
		e.close()
		return tr.Error(werr)
	}

	resp, rerr := e.readResponse(ctx)
	e.close()
	if rerr != nil {
		return tr.Error(rerr)
	}
	if !resp.IsPositive() {
		return tr.Error(replyErr(resp))
	}
	return nil
}

func (e *Engine) close() error {
	if e.stream == nil {
		return nil
	}
	err := e.stream.Close()
	e.stream = nil
	e.markUnusable(errEngineClosed)
	return err
}
