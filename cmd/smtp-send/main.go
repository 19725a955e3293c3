// smtp-send is a thin command-line wrapper around blitiri.com.ar/go/smtpclient:
// it builds an Envelope and a Client from flags, reads the message body from
// stdin, and drives one Engine.Send. It contains no protocol logic of its
// own; see cmd/smtp-check in the teacher repo for the shape this follows.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh/terminal"

	"github.com/docopt/docopt-go"

	smtpclient "blitiri.com.ar/go/smtpclient/smtp"
)

const usage = `smtp-send: submit a message to an SMTP relay.

Usage:
  smtp-send [options] --from=<addr> --to=<addr>... <host> <port>
  smtp-send -h | --help

Options:
  --from=<addr>         Envelope sender address (empty string allowed).
  --to=<addr>           Envelope recipient address; may be given more than once.
  --hello-name=<id>     Identity to present in EHLO. Defaults to the
                         library's loopback literal if omitted.
  --starttls            Require and perform a STARTTLS upgrade before sending.
  --user=<user>         AUTH username. If set without --password-file, the
                         password is read interactively.
  --password-file=<f>   File containing the AUTH password.
  --pipelining           Use PIPELINING when the server advertises it.
  --smtputf8             Advertise SMTPUTF8 support when the server does.
  --timeout=<seconds>    Deadline for the whole session, in seconds [default: 30].
  --insecure-skip-verify  Skip certificate verification during STARTTLS.
  -h --help              Show this help.
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "smtp-send")
	if err != nil {
		// docopt has already printed usage on parse errors.
		os.Exit(1)
	}

	host, _ := opts.String("<host>")
	port, _ := opts.String("<port>")
	from, _ := opts.String("--from")
	to, _ := opts["--to"].([]string)
	helloName := optionalString(opts, "--hello-name")
	starttls, _ := opts.Bool("--starttls")
	user, _ := opts.String("--user")
	passwordFile, _ := opts.String("--password-file")
	pipelining, _ := opts.Bool("--pipelining")
	smtputf8, _ := opts.Bool("--smtputf8")
	timeoutSecs, _ := opts.Int("--timeout")
	skipVerify, _ := opts.Bool("--insecure-skip-verify")

	env, err := buildEnvelope(from, to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad envelope: %v\n", err)
		os.Exit(1)
	}

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading message body from stdin: %v\n", err)
		os.Exit(1)
	}

	clientOpts := []smtpclient.Option{
		smtpclient.WithPipelining(pipelining),
		smtpclient.WithSMTPUTF8(smtputf8),
	}
	if helloName != "" {
		clientOpts = append(clientOpts, smtpclient.WithHelloName(smtpclient.Domain(helloName)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	addr := net.JoinHostPort(host, port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dialing %s: %v\n", addr, err)
		os.Exit(2)
	}

	client := smtpclient.NewClient(clientOpts...)
	eng, err := client.Open(ctx, conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening dialogue: %v\n", err)
		os.Exit(2)
	}

	if starttls {
		eng, err = upgrade(ctx, eng, host, skipVerify, clientOpts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "STARTTLS: %v\n", err)
			os.Exit(2)
		}
	}

	if user != "" {
		creds, err := readCredentials(user, passwordFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading credentials: %v\n", err)
			os.Exit(1)
		}
		if _, err := eng.TryLogin(ctx, creds,
			smtpclient.MechXOAUTH2, smtpclient.MechPLAIN, smtpclient.MechLOGIN); err != nil {
			fmt.Fprintf(os.Stderr, "AUTH: %v\n", err)
			os.Exit(2)
		}
	}

	resp, err := eng.Send(ctx, smtpclient.NewSendableBytes(*env, body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("%d %s\n", resp.Code.Value(), firstLine(resp))

	if err := eng.Quit(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "quit: %v\n", err)
		os.Exit(2)
	}
}

// optionalString returns key's value as a string, or "" if docopt never
// set it (an option with no default that wasn't given on the line).
func optionalString(opts docopt.Opts, key string) string {
	v, ok := opts[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func firstLine(r *smtpclient.Response) string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[0]
}

func buildEnvelope(from string, to []string) (*smtpclient.Envelope, error) {
	fromAddr, err := smtpclient.NewAddress(from)
	if err != nil {
		return nil, err
	}
	toAddrs := make([]smtpclient.Address, 0, len(to))
	for _, t := range to {
		a, err := smtpclient.NewAddress(t)
		if err != nil {
			return nil, err
		}
		toAddrs = append(toAddrs, a)
	}
	return smtpclient.NewEnvelope(fromAddr, toAddrs...)
}

// upgrade performs the STARTTLS handoff and reopens a fresh Engine around
// the upgraded stream, re-issuing EHLO without expecting a second greeting
// (spec.md §4.E item 2 / §9).
func upgrade(ctx context.Context, eng *smtpclient.Engine, serverName string, skipVerify bool, baseOpts []smtpclient.Option) (*smtpclient.Engine, error) {
	raw, err := eng.StartTLS(ctx)
	if err != nil {
		return nil, err
	}

	conn, ok := raw.(net.Conn)
	if !ok {
		return nil, fmt.Errorf("underlying stream does not support TLS upgrade")
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: skipVerify,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}

	opts := append(append([]smtpclient.Option{}, baseOpts...), smtpclient.WithoutGreeting())
	client := smtpclient.NewClient(opts...)
	return client.Open(ctx, tlsConn)
}

// readCredentials reads the AUTH password from passwordFile if set,
// otherwise prompts interactively without echoing, the way
// cmd/chasquid-userdb prompts for a new user's password.
func readCredentials(user, passwordFile string) (smtpclient.Credentials, error) {
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return smtpclient.Credentials{}, err
		}
		return smtpclient.Credentials{Username: user, Password: trimNewline(string(data))}, nil
	}

	fmt.Fprintf(os.Stderr, "Password: ")
	pw, err := terminal.ReadPassword(syscall.Stdin)
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return smtpclient.Credentials{}, err
	}
	return smtpclient.Credentials{Username: user, Password: string(pw)}, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
