package domain

import "time"

// AuthorizationCode represents a single-use OAuth 2.0 authorization code
// issuance. The code itself is opaque; only its fingerprint is stored.
type AuthorizationCode struct {
	ID          string
	AccountID   string
	ClientID    string
	CodeHash    string
	RedirectURI string
	ExpiresAt   time.Time
	UsedAt      *time.Time
	CreatedAt   time.Time
}
