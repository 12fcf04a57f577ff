package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/store"
	"github.com/midgarde/keygate/pkg/idx"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	st, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func seedAccount(t *testing.T, st *Store, email string) domain.Account {
	t.Helper()

	acct, err := domain.NewAccount(email, "hash")
	require.NoError(t, err)
	require.NoError(t, st.Accounts().CreateAccount(context.Background(), acct))
	return acct
}

func TestAccountsRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	acct := seedAccount(t, st, "alice@example.com")

	byID, err := st.Accounts().GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, acct.Email, byID.Email)
	require.Equal(t, int64(1), byID.Version)

	byEmail, err := st.Accounts().GetAccountByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, acct.ID, byEmail.ID)

	_, err = st.Accounts().GetAccountByID(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateAccountDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	seedAccount(t, st, "alice@example.com")

	dup, err := domain.NewAccount("alice@example.com", "hash")
	require.NoError(t, err)
	require.ErrorIs(t, st.Accounts().CreateAccount(ctx, dup), store.ErrAlreadyExists)
}

func TestUpdateAccountVersionCheck(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	acct := seedAccount(t, st, "alice@example.com")

	// Two readers hold version 1; only one write may land.
	first, err := st.Accounts().GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	second, err := st.Accounts().GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)

	first.RecordFailedAttempt()
	require.NoError(t, st.Accounts().UpdateAccount(ctx, first))

	second.RecordFailedAttempt()
	require.ErrorIs(t, st.Accounts().UpdateAccount(ctx, second), store.ErrVersionMismatch)

	// A re-read sees the bumped version and exactly one counted failure.
	fresh, err := st.Accounts().GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), fresh.Version)
	require.Equal(t, 1, fresh.AccessFailedCount)

	// Updating a deleted account reports not-found, not a stale version.
	require.NoError(t, st.Accounts().DeleteAccount(ctx, acct.ID))
	require.ErrorIs(t, st.Accounts().UpdateAccount(ctx, fresh), store.ErrNotFound)
}

func TestMarkAuthorizationCodeUsedIsSingleShot(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	acct := seedAccount(t, st, "alice@example.com")

	now := time.Now().UTC()
	client := domain.Client{ID: idx.New().String(), Name: "app", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.Clients().CreateClient(ctx, client))

	code := domain.AuthorizationCode{
		ID:          idx.New().String(),
		AccountID:   acct.ID,
		ClientID:    client.ID,
		CodeHash:    "fingerprint",
		RedirectURI: "https://app.example/cb",
		ExpiresAt:   now.Add(5 * time.Minute),
		CreatedAt:   now,
	}
	require.NoError(t, st.AuthorizationCodes().CreateAuthorizationCode(ctx, code))

	require.NoError(t, st.AuthorizationCodes().MarkAuthorizationCodeUsed(ctx, code.ID))

	// The second mark loses: the conditional update matches no rows.
	require.ErrorIs(t,
		st.AuthorizationCodes().MarkAuthorizationCodeUsed(ctx, code.ID),
		store.ErrNotFound)

	got, err := st.AuthorizationCodes().GetAuthorizationCodeByHash(ctx, "fingerprint")
	require.NoError(t, err)
	require.NotNil(t, got.UsedAt)
}

func TestRevokeRefreshTokenIsSingleShot(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	acct := seedAccount(t, st, "alice@example.com")

	now := time.Now().UTC()
	client := domain.Client{ID: idx.New().String(), Name: "app", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.Clients().CreateClient(ctx, client))

	rt := domain.RefreshToken{
		ID:        idx.New().String(),
		AccountID: acct.ID,
		ClientID:  client.ID,
		TokenHash: "fingerprint",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.RefreshTokens().CreateRefreshToken(ctx, rt))

	require.NoError(t, st.RefreshTokens().RevokeRefreshToken(ctx, "fingerprint"))
	require.ErrorIs(t,
		st.RefreshTokens().RevokeRefreshToken(ctx, "fingerprint"),
		store.ErrNotFound)

	got, err := st.RefreshTokens().GetRefreshTokenByHash(ctx, "fingerprint")
	require.NoError(t, err)
	require.True(t, got.Revoked)
}

func TestDeleteAccountCascades(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	acct := seedAccount(t, st, "alice@example.com")

	now := time.Now().UTC()
	client := domain.Client{ID: idx.New().String(), Name: "app", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.Clients().CreateClient(ctx, client))

	rt := domain.RefreshToken{
		ID:        idx.New().String(),
		AccountID: acct.ID,
		ClientID:  client.ID,
		TokenHash: "fingerprint",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.RefreshTokens().CreateRefreshToken(ctx, rt))

	require.NoError(t, st.Accounts().DeleteAccount(ctx, acct.ID))

	_, err := st.RefreshTokens().GetRefreshTokenByHash(ctx, "fingerprint")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	sentinel := context.Canceled
	err := st.WithTx(ctx, func(tx store.Tx) error {
		acct, err := domain.NewAccount("ghost@example.com", "hash")
		require.NoError(t, err)
		require.NoError(t, tx.Accounts().CreateAccount(ctx, acct))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = st.Accounts().GetAccountByEmail(ctx, "ghost@example.com")
	require.ErrorIs(t, err, store.ErrNotFound)
}
