package domain

import "time"

// Client is a registered OAuth2 client. Confidential clients carry a secret
// hash; public clients have an empty SecretHash and cannot use the
// client_credentials grant.
type Client struct {
	ID          string
	Name        string
	SecretHash  string
	RedirectURI string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
