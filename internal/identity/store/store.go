package store

import (
	"context"
	"errors"

	"github.com/midgarde/keygate/internal/identity/domain"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyExists   = errors.New("store: already exists")
	ErrVersionMismatch = errors.New("store: version mismatch")
)

// Store is the root data access interface. Concrete drivers implement this;
// the reference driver lives under drivers/sqlite. Sub-repositories keep
// concerns tidy and make transaction scoping explicit.
type Store interface {
	Accounts() Accounts
	Clients() Clients
	RefreshTokens() RefreshTokens
	AuthorizationCodes() AuthorizationCodes

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store. The
	// caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, committing when fn returns
	// nil and rolling back otherwise. Multi-step operations that must be
	// atomic (code redemption, refresh rotation) go through here.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Accounts interface {
	// GetAccountByID returns an account by id.
	GetAccountByID(ctx context.Context, id string) (domain.Account, error)

	// GetAccountByEmail is the login-path lookup. Email uniqueness is
	// enforced here, not by the aggregate.
	GetAccountByEmail(ctx context.Context, email string) (domain.Account, error)

	// CreateAccount inserts a new account. A duplicate email fails with
	// ErrAlreadyExists.
	CreateAccount(ctx context.Context, a domain.Account) error

	// UpdateAccount persists the account's mutable state. The update only
	// applies when the stored version equals a.Version (optimistic
	// concurrency); a stale version fails with ErrVersionMismatch so
	// concurrent read-modify-writes of the lockout counters never lose
	// updates.
	UpdateAccount(ctx context.Context, a domain.Account) error

	// DeleteAccount removes the account; cascades to its tokens.
	DeleteAccount(ctx context.Context, id string) error

	// ListAccounts returns all accounts ordered by creation (newest first).
	ListAccounts(ctx context.Context) ([]domain.Account, error)
}

type Clients interface {
	// GetClientByID fetches a client for grant validation.
	GetClientByID(ctx context.Context, id string) (domain.Client, error)

	// CreateClient inserts a new client (secret hash may be empty for
	// public clients).
	CreateClient(ctx context.Context, c domain.Client) error

	// DeleteClient cascades to the client's tokens.
	DeleteClient(ctx context.Context, id string) error
}

type RefreshTokens interface {
	// CreateRefreshToken stores a new refresh token record.
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	// GetRefreshTokenByHash returns the token by its fingerprint.
	GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// RevokeRefreshToken marks the token revoked. Revoking an
	// already-revoked or unknown token fails with ErrNotFound, which makes
	// rotation race-safe: exactly one of two concurrent rotations wins.
	RevokeRefreshToken(ctx context.Context, hash string) error

	// DeleteExpiredRefreshTokens is housekeeping.
	DeleteExpiredRefreshTokens(ctx context.Context) error
}

type AuthorizationCodes interface {
	// CreateAuthorizationCode stores a freshly minted code.
	CreateAuthorizationCode(ctx context.Context, code domain.AuthorizationCode) error

	// GetAuthorizationCodeByHash fetches a code by fingerprint when
	// redeeming.
	GetAuthorizationCodeByHash(ctx context.Context, hash string) (domain.AuthorizationCode, error)

	// MarkAuthorizationCodeUsed consumes the code. The mark only succeeds
	// for a code that is still unused; a replay fails with ErrNotFound.
	// "Check unused, mark used" is a single conditional update.
	MarkAuthorizationCodeUsed(ctx context.Context, id string) error

	// DeleteExpiredAuthorizationCodes is housekeeping.
	DeleteExpiredAuthorizationCodes(ctx context.Context) error
}
