package control

import (
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/tstreamdb/client-go/pkg/xerrors"
)

// SessionClaims is the subset of a login() response's JWT session token
// this client cares about: who it's for and when it stops being valid. The
// control plane only logs a warning when a fresh token is already close to
// expiry; it does not re-login on that basis.
type SessionClaims struct {
	jwt.StandardClaims
	User string `json:"user"`
}

// ParseSessionToken decodes (without verifying signature, since this
// client has no server public key and only reads the claims) the token
// string a login() RPC response carries.
func ParseSessionToken(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := &jwt.Parser{SkipClaimsValidation: true}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Protocol, "parse session token", err)
	}
	return claims, nil
}

// ExpiresSoon reports whether claims expires within the given duration of now.
func (c *SessionClaims) ExpiresSoon(now time.Time, within time.Duration) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return time.Unix(c.ExpiresAt, 0).Sub(now) <= within
}
