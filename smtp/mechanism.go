package smtp

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/text/secure/precis"
)

// Credentials is a username/password (or bearer token, for XOAUTH2) pair
// presented to an AUTH mechanism.
type Credentials struct {
	Username string
	Password string
}

// normalizeUsername applies PRECIS UsernameCaseMapped to u, the same
// normalization chasquid applies to mailbox usernames before comparison.
// If normalization fails (the username contains disallowed codepoints) the
// original string is used unchanged rather than failing the whole AUTH
// exchange over a cosmetic concern.
func normalizeUsername(u string) string {
	norm, err := precis.UsernameCaseMapped.String(u)
	if err != nil {
		return u
	}
	return norm
}

// initialResponse computes the base64-encoded initial response for
// mechanisms that support one (PLAIN, XOAUTH2). ok is false for LOGIN,
// which is challenge-driven and has no initial response.
func initialResponse(mech Mechanism, creds Credentials) (resp string, ok bool) {
	switch mech {
	case MechPLAIN:
		raw := fmt.Sprintf("\x00%s\x00%s", normalizeUsername(creds.Username), creds.Password)
		return base64.StdEncoding.EncodeToString([]byte(raw)), true
	case MechXOAUTH2:
		raw := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", normalizeUsername(creds.Username), creds.Password)
		return base64.StdEncoding.EncodeToString([]byte(raw)), true
	case MechLOGIN:
		return "", false
	default:
		return "", false
	}
}

// challengeResponse computes the base64-encoded response to the step-th
// (0-indexed) 334 challenge of a challenge-driven exchange. Only LOGIN is
// challenge-driven: step 0 replies with the username, every subsequent step
// replies with the password. The challenge text itself is ignored (chasquid
// and lettre both treat LOGIN's "Username:"/"Password:" challenge text as
// informational, not as something to validate) since the exchange is
// strictly ordered.
//
// A well-behaved server only ever sends two challenges, but nothing in the
// wire protocol stops a misbehaving one from sending more; that is exactly
// what Engine's maxAuthChallenges cap guards against, so this keeps
// answering with the password rather than failing the exchange itself —
// the cap, not this function, is what bounds how long a stuck server can
// hold the dialogue open.
func challengeResponse(mech Mechanism, creds Credentials, step int) (string, error) {
	switch mech {
	case MechLOGIN:
		if step == 0 {
			return base64.StdEncoding.EncodeToString([]byte(normalizeUsername(creds.Username))), nil
		}
		return base64.StdEncoding.EncodeToString([]byte(creds.Password)), nil
	default:
		return "", newError(KindClient, fmt.Errorf("mechanism %s does not support challenge/response", mech))
	}
}
