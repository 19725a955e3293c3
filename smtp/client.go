package smtp

import (
	"context"
	"io"
)

// Config holds the caller-configurable behavior of an Engine, assembled via
// functional options and applied once at Open time. Unlike chasquid, which
// reads this kind of setting from an on-disk prototext config shared by a
// whole daemon, this package is a library embedded by many different kinds
// of callers, so the options pattern keeps construction in Go code instead
// of inventing a file format this package has no business owning.
type Config struct {
	helloName      ClientId
	pipelining     bool
	smtputf8       bool
	expectGreeting bool
}

// Option configures a Client.
type Option func(*Config)

// WithHelloName sets the identity presented in the EHLO command. The
// default is Default(), the IPv4 loopback literal.
func WithHelloName(id ClientId) Option {
	return func(c *Config) { c.helloName = id }
}

// WithPipelining enables sending MAIL, all RCPTs, and DATA back-to-back
// when the server advertises PIPELINING. Disabled by default.
func WithPipelining(enabled bool) Option {
	return func(c *Config) { c.pipelining = enabled }
}

// WithSMTPUTF8 enables adding the SMTPUTF8 MAIL parameter when the server
// advertises support for it. Disabled by default.
func WithSMTPUTF8(enabled bool) Option {
	return func(c *Config) { c.smtputf8 = enabled }
}

// WithoutGreeting skips waiting for the server's initial greeting line
// before sending EHLO. Used when reopening an engine right after a
// STARTTLS upgrade, where the server does not send a second greeting.
func WithoutGreeting() Option {
	return func(c *Config) { c.expectGreeting = false }
}

// Client builds Engines sharing a common configuration.
type Client struct {
	config Config
}

// NewClient returns a Client configured by the given options. The default
// configuration expects a greeting, uses the loopback client id, and
// leaves pipelining and SMTPUTF8 disabled.
func NewClient(opts ...Option) *Client {
	c := Config{
		helloName:      Default(),
		expectGreeting: true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return &Client{config: c}
}

// Open starts a dialogue over stream: it optionally reads the server
// greeting, sends EHLO, and parses the resulting capabilities into the
// returned Engine.
func (cl *Client) Open(ctx context.Context, stream io.ReadWriteCloser) (*Engine, error) {
	e := &Engine{
		stream: stream,
		config: cl.config,
	}
	if err := e.open(ctx); err != nil {
		return nil, err
	}
	return e, nil
}
