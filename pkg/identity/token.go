// Package identity issues and validates the internal bearer tokens that
// authenticate the operator surfaces this process exposes outside the
// agent-facing data plane (the test-hooks endpoint, the bootstrap admin
// credential logged at startup) — distinct from the opaque
// "ailink_v1_proj_..." VirtualToken an agent presents, which is never a JWT
// (spec §3). Grounded on the teacher's pkg/identity/token.go, reduced from
// its RSA KeySet to a single HMAC signing key since AILink has one
// operator-held AILINK_ADMIN_KEY rather than HELM's rotating keyset.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims is the claim set carried by an internal admin token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// TokenManager signs and validates AdminClaims with a single HMAC key
// (AILINK_ADMIN_KEY). It holds no other state.
type TokenManager struct {
	key []byte
}

// NewTokenManager wraps signingKey (typically config.Config.AdminSigningKey)
// as a TokenManager. An empty key is rejected: an admin surface must never
// be reachable with an empty HMAC secret.
func NewTokenManager(signingKey string) (*TokenManager, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("identity: admin signing key must not be empty")
	}
	return &TokenManager{key: []byte(signingKey)}, nil
}

// Issue mints a signed admin token for subject, valid for ttl, carrying
// roles.
func (tm *TokenManager) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "ailink/identity",
			Audience:  jwt.ClaimStrings{"ailink/internal"},
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.key)
}

// Validate parses and verifies a token string, returning its claims if the
// signature, expiry, and audience all check out.
func (tm *TokenManager) Validate(tokenString string) (*AdminClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return tm.key, nil
	}, jwt.WithAudience("ailink/internal"), jwt.WithIssuer("ailink/identity"))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// HasRole reports whether claims carries role among its Roles.
func (c *AdminClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
