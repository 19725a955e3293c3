package smtp

import (
	"strings"

	"blitiri.com.ar/go/smtpclient/internal/set"
)

// Extension is a kind of EHLO-advertised capability.
type Extension string

const (
	ExtPipelining Extension = "PIPELINING"
	Ext8BitMIME   Extension = "8BITMIME"
	ExtSMTPUTF8   Extension = "SMTPUTF8"
	ExtSTARTTLS   Extension = "STARTTLS"
	ExtAUTH       Extension = "AUTH"
)

// Mechanism is an AUTH mechanism name.
type Mechanism string

const (
	MechPLAIN   Mechanism = "PLAIN"
	MechLOGIN   Mechanism = "LOGIN"
	MechXOAUTH2 Mechanism = "XOAUTH2"
)

var knownMechanisms = map[string]Mechanism{
	"PLAIN":   MechPLAIN,
	"LOGIN":   MechLOGIN,
	"XOAUTH2": MechXOAUTH2,
}

// ServerInfo is what an EHLO reply tells us about the server: its
// self-reported name and the extensions it advertises.
type ServerInfo struct {
	Name       string
	features   *set.String
	mechanisms *set.String
}

// SupportsFeature reports whether the server advertised the given
// extension (other than AUTH, which has its own query).
func (si *ServerInfo) SupportsFeature(e Extension) bool {
	if si == nil {
		return false
	}
	return si.features.Has(string(e))
}

// SupportsAuthMechanism reports whether the server advertised support for
// the given AUTH mechanism.
func (si *ServerInfo) SupportsAuthMechanism(m Mechanism) bool {
	if si == nil {
		return false
	}
	return si.mechanisms.Has(string(m))
}

// parseServerInfo parses an EHLO reply's lines into a ServerInfo. The
// first line's first word is the server name; each subsequent line is
// split on whitespace, and the upper-cased first token selects the
// extension. AUTH is followed by one or more mechanism tokens. Unknown
// tokens, and unknown mechanisms, are silently dropped.
func parseServerInfo(lines []string) *ServerInfo {
	si := &ServerInfo{
		features:   set.NewString(),
		mechanisms: set.NewString(),
	}
	if len(lines) == 0 {
		return si
	}

	if fields := strings.Fields(lines[0]); len(fields) > 0 {
		si.Name = fields[0]
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		kw := strings.ToUpper(fields[0])
		switch kw {
		case string(ExtPipelining), string(Ext8BitMIME), string(ExtSMTPUTF8), string(ExtSTARTTLS):
			si.features.Add(kw)
		case string(ExtAUTH):
			si.features.Add(kw)
			for _, tok := range fields[1:] {
				if m, ok := knownMechanisms[strings.ToUpper(tok)]; ok {
					si.mechanisms.Add(string(m))
				}
			}
		}
	}

	return si
}
