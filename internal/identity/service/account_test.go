package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/event"
	"github.com/midgarde/keygate/internal/identity/store"
	"github.com/midgarde/keygate/internal/identity/store/drivers/sqlite"
	"github.com/midgarde/keygate/pkg/cryptox"
)

func TestMain(m *testing.M) {
	pepperPath := filepath.Join(os.TempDir(), "keygate-service-test-pepper")
	cryptox.SetPepperPath(pepperPath)

	os.Remove(pepperPath)
	defer os.Remove(pepperPath)

	os.Exit(m.Run())
}

// legacyHash encodes a password under reduced cost parameters, the shape a
// record hashed before a cost bump would have.
func legacyHash(t *testing.T, password string) string {
	t.Helper()

	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)

	hash := argon2.IDKey([]byte(password+cryptox.GetPepper()), salt, 1, 8*1024, 1, 32)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		8*1024, 1, 1,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	svc := &AccountService{Store: st, Bus: event.NewBus()}

	acct, err := svc.Register(ctx, "Alice@Example.COM", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", acct.Email)
	require.NotEmpty(t, acct.ID)

	got, err := svc.Authenticate(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, acct.ID, got.ID)
	require.NotNil(t, got.LastLoginAt)
	require.Zero(t, got.AccessFailedCount)

	_, err = svc.Authenticate(ctx, "alice@example.com", "wrong password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := &AccountService{Store: st}

	t.Run("rejects malformed email", func(t *testing.T) {
		_, err := svc.Register(ctx, "not-an-email", "long enough password")
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("rejects short password", func(t *testing.T) {
		_, err := svc.Register(ctx, "bob@example.com", "short")
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("rejects duplicate email", func(t *testing.T) {
		_, err := svc.Register(ctx, "carol@example.com", "a fine password")
		require.NoError(t, err)

		_, err = svc.Register(ctx, "Carol@example.com", "another password")
		require.ErrorIs(t, err, ErrDuplicateEmail)
	})
}

func TestRegisterPublishesAccountCreated(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	bus := event.NewBus()
	var received []domain.AccountCreated
	bus.Subscribe(domain.EventAccountCreated, func(_ context.Context, e domain.Event) error {
		received = append(received, e.(domain.AccountCreated))
		return nil
	})

	svc := &AccountService{Store: st, Bus: bus}

	acct, err := svc.Register(ctx, "dave@example.com", "a fine password")
	require.NoError(t, err)

	require.Len(t, received, 1)
	require.Equal(t, acct.ID, received[0].AccountID)
	require.Equal(t, "dave@example.com", received[0].Email)
}

func TestRegisterSurvivesFailingSubscriber(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	bus := event.NewBus()
	bus.Subscribe(domain.EventAccountCreated, func(context.Context, domain.Event) error {
		return errors.New("smtp down")
	})

	svc := &AccountService{Store: st, Bus: bus}

	acct, err := svc.Register(ctx, "erin@example.com", "a fine password")
	require.NoError(t, err)

	// The account is committed even though the subscriber failed.
	stored, err := st.Accounts().GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "erin@example.com", stored.Email)
}

func TestAuthenticateLocksAfterThreshold(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	svc := &AccountService{
		Store:             st,
		MaxFailedAttempts: 3,
		LockoutDuration:   15 * time.Minute,
	}

	_, err := svc.Register(ctx, "frank@example.com", "a fine password")
	require.NoError(t, err)

	for n := 0; n < 3; n++ {
		_, err := svc.Authenticate(ctx, "frank@example.com", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Even the correct password is rejected while locked.
	_, err = svc.Authenticate(ctx, "frank@example.com", "a fine password")
	var locked *AccountLockedError
	require.ErrorAs(t, err, &locked)
	require.Greater(t, locked.RetryAfter, time.Duration(0))

	stored, err := st.Accounts().GetAccountByEmail(ctx, "frank@example.com")
	require.NoError(t, err)
	require.True(t, stored.IsLockedOut)
	require.Equal(t, 3, stored.AccessFailedCount)
}

func TestAuthenticateClearsLapsedLockout(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	svc := &AccountService{Store: st, MaxFailedAttempts: 2}

	acct, err := svc.Register(ctx, "grace@example.com", "a fine password")
	require.NoError(t, err)

	// Lock the account with a window that has already lapsed.
	stored, err := st.Accounts().GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	stored.RecordFailedAttempt()
	stored.RecordFailedAttempt()
	stored.LockOut(time.Now().UTC().Add(-20*time.Minute), 15*time.Minute)
	require.NoError(t, st.Accounts().UpdateAccount(ctx, stored))

	got, err := svc.Authenticate(ctx, "grace@example.com", "a fine password")
	require.NoError(t, err)
	require.False(t, got.IsLockedOut)
	require.Zero(t, got.AccessFailedCount)
	require.Nil(t, got.LockoutEnd)
}

func TestAuthenticateRehashesOutdatedHash(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	svc := &AccountService{Store: st}

	acct, err := svc.Register(ctx, "heidi@example.com", "a fine password")
	require.NoError(t, err)

	// Downgrade the stored hash to stale cost parameters.
	stored, err := st.Accounts().GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	oldHash := legacyHash(t, "a fine password")
	require.NoError(t, stored.RotatePasswordHash(oldHash))
	require.NoError(t, st.Accounts().UpdateAccount(ctx, stored))

	got, err := svc.Authenticate(ctx, "heidi@example.com", "a fine password")
	require.NoError(t, err)
	require.NotEqual(t, oldHash, got.PasswordHash)

	result, err := cryptox.VerifyPassword("a fine password", got.PasswordHash)
	require.NoError(t, err)
	require.Equal(t, cryptox.VerifyMatch, result)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := &AccountService{Store: st}

	_, err := svc.Register(ctx, "ivan@example.com", "old password here")
	require.NoError(t, err)

	t.Run("wrong current password", func(t *testing.T) {
		err := svc.ChangePassword(ctx, "ivan@example.com", "not the password", "new password here")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("rotates on success", func(t *testing.T) {
		require.NoError(t, svc.ChangePassword(ctx, "ivan@example.com", "old password here", "new password here"))

		_, err := svc.Authenticate(ctx, "ivan@example.com", "old password here")
		require.ErrorIs(t, err, ErrInvalidCredentials)

		_, err = svc.Authenticate(ctx, "ivan@example.com", "new password here")
		require.NoError(t, err)
	})
}

func TestUnlockAndDelete(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := &AccountService{Store: st, MaxFailedAttempts: 1}

	acct, err := svc.Register(ctx, "judy@example.com", "a fine password")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "judy@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "judy@example.com", "a fine password")
	var locked *AccountLockedError
	require.ErrorAs(t, err, &locked)

	require.NoError(t, svc.Unlock(ctx, acct.ID))

	_, err = svc.Authenticate(ctx, "judy@example.com", "a fine password")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, acct.ID))
	require.ErrorIs(t, svc.Delete(ctx, acct.ID), ErrAccountNotFound)

	_, err = svc.Authenticate(ctx, "judy@example.com", "a fine password")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestThrottleBlocksBeforeStore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	svc := &AccountService{Store: st, Throttle: NewLoginThrottle(2)}

	_, err := svc.Register(ctx, "mallory@example.com", "a fine password")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "mallory@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "mallory@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "mallory@example.com", "wrong")
	require.ErrorIs(t, err, ErrTooManyAttempts)

	// The throttled attempt never reached the store.
	stored, err := st.Accounts().GetAccountByEmail(ctx, "mallory@example.com")
	require.NoError(t, err)
	require.Equal(t, 2, stored.AccessFailedCount)
}

// conflictStore wraps a real store and fails the first UpdateAccount calls
// with a version mismatch, simulating a concurrent writer winning the race.
type conflictStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (c *conflictStore) Accounts() store.Accounts {
	return &conflictAccounts{parent: c, Accounts: c.Store.Accounts()}
}

type conflictAccounts struct {
	store.Accounts
	parent *conflictStore
}

func (a *conflictAccounts) UpdateAccount(ctx context.Context, acct domain.Account) error {
	a.parent.mu.Lock()
	a.parent.updates++
	inject := a.parent.conflicts > 0
	if inject {
		a.parent.conflicts--
	}
	a.parent.mu.Unlock()

	if inject {
		return store.ErrVersionMismatch
	}
	return a.Accounts.UpdateAccount(ctx, acct)
}

func TestAuthenticateRetriesOnVersionMismatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cs := &conflictStore{Store: st, conflicts: 2}

	svc := &AccountService{Store: cs}

	_, err := svc.Register(ctx, "oscar@example.com", "a fine password")
	require.NoError(t, err)

	got, err := svc.Authenticate(ctx, "oscar@example.com", "a fine password")
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
	require.GreaterOrEqual(t, cs.updates, 3)
}

func TestConcurrentFailuresNeverExceedCounter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// Threshold above the attempt count so the counter is what is under test.
	svc := &AccountService{Store: st, MaxFailedAttempts: 100}

	_, err := svc.Register(ctx, "peggy@example.com", "a fine password")
	require.NoError(t, err)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Authenticate(ctx, "peggy@example.com", "wrong")
		}()
	}
	wg.Wait()

	// Every attempt retries until its increment lands; no caller ever sees
	// the store's version sentinel.
	for _, err := range errs {
		require.ErrorIs(t, err, ErrInvalidCredentials)
		require.NotErrorIs(t, err, store.ErrVersionMismatch)
	}

	stored, err := st.Accounts().GetAccountByEmail(ctx, "peggy@example.com")
	require.NoError(t, err)
	require.Equal(t, attempts, stored.AccessFailedCount)
}

func TestAuthenticateContentionSurfacesServiceError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// A store that never stops conflicting exhausts the retries.
	cs := &conflictStore{Store: st, conflicts: 1 << 20}
	svc := &AccountService{Store: cs}

	_, err := svc.Register(ctx, "trent@example.com", "a fine password")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "trent@example.com", "a fine password")
	require.ErrorIs(t, err, ErrConflict)
	require.NotErrorIs(t, err, store.ErrVersionMismatch)
}
