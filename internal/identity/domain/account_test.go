package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAccountAssignsIdentityOnce(t *testing.T) {
	t.Parallel()

	a, err := NewAccount("a@x.com", "hash")
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.False(t, a.CreatedAt.IsZero())
	require.Equal(t, 0, a.AccessFailedCount)
	require.False(t, a.IsLockedOut)
	require.Nil(t, a.LockoutEnd)
	require.EqualValues(t, 1, a.Version)

	b, err := NewAccount("a@x.com", "hash")
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func TestNewAccountValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := NewAccount("", "hash")
	require.ErrorIs(t, err, ErrEmptyEmail)

	_, err = NewAccount("a@x.com", "")
	require.ErrorIs(t, err, ErrEmptyPasswordHash)
}

func TestLockOutSetsAndExtendsWindow(t *testing.T) {
	t.Parallel()

	a, err := NewAccount("a@x.com", "hash")
	require.NoError(t, err)

	now := time.Now().UTC()
	a.LockOut(now, 15*time.Minute)
	require.True(t, a.IsLockedOut)
	require.NotNil(t, a.LockoutEnd)
	require.True(t, a.Locked(now))

	// Locking again while locked extends the window.
	a.LockOut(now.Add(10*time.Minute), 15*time.Minute)
	require.Equal(t, now.Add(25*time.Minute), *a.LockoutEnd)
}

func TestLockedDerivesFromTimestamp(t *testing.T) {
	t.Parallel()

	a, err := NewAccount("a@x.com", "hash")
	require.NoError(t, err)

	now := time.Now().UTC()
	a.LockOut(now, time.Minute)

	require.True(t, a.Locked(now))
	require.True(t, a.Locked(now.Add(59*time.Second)))

	// Past the window the stored flag is still true, but the account must
	// read as unlocked.
	require.True(t, a.IsLockedOut)
	require.False(t, a.Locked(now.Add(time.Minute)))
	require.False(t, a.Locked(now.Add(time.Hour)))
}

func TestUnlockResetsStateAndIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := NewAccount("a@x.com", "hash")
	require.NoError(t, err)

	now := time.Now().UTC()
	a.RecordFailedAttempt()
	a.RecordFailedAttempt()
	a.LockOut(now, time.Minute)

	a.Unlock()
	require.False(t, a.IsLockedOut)
	require.Nil(t, a.LockoutEnd)
	require.Equal(t, 0, a.AccessFailedCount)

	before := a
	a.Unlock()
	require.Equal(t, before, a)
}

func TestRecordSuccessfulLoginResetsCounterOnly(t *testing.T) {
	t.Parallel()

	a, err := NewAccount("a@x.com", "hash")
	require.NoError(t, err)

	a.RecordFailedAttempt()
	a.RecordFailedAttempt()
	require.Equal(t, 2, a.AccessFailedCount)

	now := time.Now().UTC()
	a.RecordSuccessfulLogin(now)
	require.Equal(t, 0, a.AccessFailedCount)
	require.NotNil(t, a.LastLoginAt)
	require.Equal(t, now, *a.LastLoginAt)

	// It does not unlock.
	a.LockOut(now, time.Minute)
	a.RecordSuccessfulLogin(now)
	require.True(t, a.Locked(now))
}

func TestRecordFailedAttemptIsMonotonic(t *testing.T) {
	t.Parallel()

	a, err := NewAccount("a@x.com", "hash")
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		a.RecordFailedAttempt()
		require.Equal(t, i, a.AccessFailedCount)
	}
}

func TestRotatePasswordHash(t *testing.T) {
	t.Parallel()

	a, err := NewAccount("a@x.com", "hash")
	require.NoError(t, err)

	require.NoError(t, a.RotatePasswordHash("newhash"))
	require.Equal(t, "newhash", a.PasswordHash)

	require.ErrorIs(t, a.RotatePasswordHash(""), ErrEmptyPasswordHash)
}
