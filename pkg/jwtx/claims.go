package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes. These mirror the issuer's configuration defaults
// and can be overridden per-service.
const (
	// DefaultAccessTokenTTL is the default lifetime for access tokens.
	DefaultAccessTokenTTL = 30 * time.Minute

	// DefaultRefreshTokenTTL is the default lifetime for refresh tokens.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// DefaultIdentityTokenTTL is the default lifetime for OIDC identity
	// tokens.
	DefaultIdentityTokenTTL = 5 * time.Minute
)

// Claims are the claims embedded in keygate-issued tokens. Additions must be
// additive to preserve compatibility with existing consumers.
type Claims struct {
	jwt.RegisteredClaims

	// Email of the authenticated account. Empty for client-credentials
	// tokens where the subject is the client itself.
	Email string `json:"email,omitempty"`

	// TokenUse distinguishes access tokens from identity tokens.
	// Either "access" or "id".
	TokenUse string `json:"token_use,omitempty"`
}

// NewAccessClaims builds minimally-correct access-token claims for a
// subject (an account or, for client credentials, the client itself).
func NewAccessClaims(
	subject, email string,
	ttl time.Duration,
	issuer string,
	audience []string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		Email:    email,
		TokenUse: "access",
	}
}

// NewIdentityClaims builds OIDC-style identity-token claims. The audience is
// the client the token was issued to.
func NewIdentityClaims(
	subject, email string,
	ttl time.Duration,
	issuer string,
	clientID string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		Email:    email,
		TokenUse: "id",
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
