// Package auth resolves caller tokens into group memberships. The server
// itself never mints tokens; it only verifies what an upstream identity
// provider issued.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// TokenInfo is the verified identity attached to a request. Groups[0] is the
// primary group used for session ownership; the full set is used for reads.
type TokenInfo struct {
	Subject   string
	Groups    []string
	ExpiresAt time.Time
}

// Primary returns the owning group, or "" for a group-less token.
func (t TokenInfo) Primary() string {
	if len(t.Groups) == 0 {
		return ""
	}
	return t.Groups[0]
}

// TokenVerifier turns a bearer token into a TokenInfo. Implementations must
// return an AUTH_ERROR scraperr for anything invalid or expired.
type TokenVerifier interface {
	Verify(token string) (TokenInfo, error)
}

// JWTVerifier validates HS256 tokens carrying a "groups" string-array claim.
type JWTVerifier struct {
	Secret []byte
}

type claims struct {
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(token string) (TokenInfo, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return TokenInfo{}, scraperr.Wrap(scraperr.KindAuth, scraperr.CodeAuthError, "verify token", err)
	}
	if !parsed.Valid {
		return TokenInfo{}, scraperr.New(scraperr.KindAuth, scraperr.CodeAuthError, "token is not valid")
	}
	info := TokenInfo{Subject: c.Subject, Groups: c.Groups}
	if c.ExpiresAt != nil {
		info.ExpiresAt = c.ExpiresAt.Time
	}
	return info, nil
}

// StaticVerifier maps literal token strings to identities; test use only.
type StaticVerifier map[string]TokenInfo

func (v StaticVerifier) Verify(token string) (TokenInfo, error) {
	info, ok := v[token]
	if !ok {
		return TokenInfo{}, scraperr.New(scraperr.KindAuth, scraperr.CodeAuthError, "unknown token")
	}
	return info, nil
}
