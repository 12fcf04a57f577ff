package domain

import (
	"fmt"
	"time"
)

// TokenTypeBearer is the only token type keygate issues.
const TokenTypeBearer = "Bearer"

// TokenResult is the wire-level token endpoint response (RFC 6749 §5.1).
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // seconds until access token expiry
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// RefreshToken models the stored refresh token record. Only the SHA-256
// fingerprint of the opaque value is persisted.
type RefreshToken struct {
	ID        string
	AccountID string
	ClientID  string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OAuth2 wire-level error codes (RFC 6749 §5.2).
const (
	GrantErrInvalidGrant         = "invalid_grant"
	GrantErrInvalidClient        = "invalid_client"
	GrantErrUnsupportedGrantType = "unsupported_grant_type"
)

// GrantError is the structured OAuth2 error body returned from the token
// endpoint.
type GrantError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *GrantError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
