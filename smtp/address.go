package smtp

import (
	"fmt"
	"net"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

// Address is a validated reverse-path or forward-path value, as it will
// appear inside the angle brackets of a MAIL FROM or RCPT TO command: an
// opaque ASCII string excluding control characters, whitespace, and angle
// brackets, which would otherwise corrupt the command line they're placed
// into or the address boundary itself.
type Address string

// NewAddress validates addr and returns it as an Address, or an
// InvalidAddress error describing the first offending rune. Non-ASCII
// bytes are rejected along with control characters, whitespace, and angle
// brackets: an Address is always pure ASCII, on the wire and in memory.
//
// addr may be the empty string, which is the valid reverse-path used for
// bounce notifications (MAIL FROM:<>).
func NewAddress(addr string) (Address, error) {
	for _, r := range addr {
		if r > unicode.MaxASCII || unicode.IsControl(r) || unicode.IsSpace(r) || r == '<' || r == '>' {
			return "", newError(KindInvalidAddress,
				fmt.Errorf("address %q contains an invalid character %q", addr, r))
		}
	}
	return Address(addr), nil
}

// NewAddressFromUnicode converts addr's domain part to IDNA ASCII
// (punycode) before validating it, for callers with a human-typed address
// whose domain is non-ASCII and a relay that may not advertise SMTPUTF8.
// The local part is not converted: RFC 5321 leaves its interpretation to
// the destination server, and this library does not attempt SMTPUTF8
// downgrading of it. If addr's domain is already ASCII, this is equivalent
// to NewAddress.
func NewAddressFromUnicode(addr string) (Address, error) {
	user, domain := splitAddr(addr)
	if domain == "" || isASCII(domain) {
		return NewAddress(addr)
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", newError(KindInvalidAddress, fmt.Errorf("converting domain %q to ASCII: %w", domain, err))
	}
	return NewAddress(user + "@" + ascii)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func splitAddr(addr string) (user, domain string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}
	return ps[0], ps[1]
}

// ClientId is the identifier a client presents in the EHLO command: a
// fully-qualified domain name, an IPv4 literal, or an IPv6 literal.
type ClientId string

// Domain returns a ClientId presenting the given FQDN.
func Domain(fqdn string) ClientId {
	return ClientId(fqdn)
}

// IPv4 returns a ClientId presenting the wire literal form "[a.b.c.d]" for
// the given address. If ip is not a valid IPv4 address, the zero address
// literal is used.
func IPv4(ip net.IP) ClientId {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	return ClientId(fmt.Sprintf("[%s]", v4.String()))
}

// IPv6 returns a ClientId presenting the wire literal form "[IPv6:...]" for
// the given address.
func IPv6(ip net.IP) ClientId {
	return ClientId(fmt.Sprintf("[IPv6:%s]", ip.String()))
}

// Default returns the IPv4 loopback literal "[127.0.0.1]", preferred over
// "localhost.localdomain" because it passes stricter relay checks such as
// reject_unknown_helo_hostname.
func Default() ClientId {
	return IPv4(net.IPv4(127, 0, 0, 1))
}

func (c ClientId) String() string {
	return string(c)
}
