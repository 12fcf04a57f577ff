package domain

import (
	"errors"
	"time"

	"github.com/midgarde/keygate/pkg/idx"
)

var (
	ErrEmptyEmail        = errors.New("domain: account email must not be empty")
	ErrEmptyPasswordHash = errors.New("domain: account password hash must not be empty")
)

// Account is the aggregate root for a user account's identity and lockout
// state. All mutation goes through the named operations below; callers never
// assign fields directly.
type Account struct {
	ID           string
	Email        string
	PasswordHash string // argon2id PHC encoded, compared only via cryptox

	// Lockout state. IsLockedOut is persisted alongside LockoutEnd, but the
	// stored flag does not self-expire: Locked derives the effective state
	// from the timestamp, and services must call Unlock once LockoutEnd has
	// passed so the two never drift.
	IsLockedOut       bool
	LockoutEnd        *time.Time
	AccessFailedCount int

	// Optional TOTP second factor.
	TOTPSecret  *string
	TOTPEnabled *time.Time

	CreatedAt   time.Time
	LastLoginAt *time.Time
	UpdatedAt   time.Time

	// Version supports optimistic concurrency at the store layer. Bumped by
	// the store on every successful update.
	Version int64
}

// NewAccount constructs a fresh account. ID and CreatedAt are assigned here
// and never change afterwards.
func NewAccount(email, passwordHash string) (Account, error) {
	if email == "" {
		return Account{}, ErrEmptyEmail
	}
	if passwordHash == "" {
		return Account{}, ErrEmptyPasswordHash
	}

	now := time.Now().UTC()
	return Account{
		ID:           idx.New().String(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}, nil
}

// Locked reports whether the account is locked out as of now. A past
// LockoutEnd reads as unlocked regardless of the stored flag.
func (a *Account) Locked(now time.Time) bool {
	return a.IsLockedOut && a.LockoutEnd != nil && now.Before(*a.LockoutEnd)
}

// LockOut locks the account until now+duration. Calling it while already
// locked extends the window.
func (a *Account) LockOut(now time.Time, duration time.Duration) {
	end := now.Add(duration)
	a.IsLockedOut = true
	a.LockoutEnd = &end
}

// Unlock clears the lockout and resets the failure counter. Safe to call
// from any state.
func (a *Account) Unlock() {
	a.IsLockedOut = false
	a.LockoutEnd = nil
	a.AccessFailedCount = 0
}

// RecordSuccessfulLogin stamps LastLoginAt and resets the failure counter.
// It does not unlock; callers must have checked Locked first.
func (a *Account) RecordSuccessfulLogin(now time.Time) {
	at := now
	a.LastLoginAt = &at
	a.AccessFailedCount = 0
}

// RecordFailedAttempt bumps the failure counter. Whether the new count
// crosses the lockout threshold is policy, decided by the service layer.
func (a *Account) RecordFailedAttempt() {
	a.AccessFailedCount++
}

// RotatePasswordHash swaps in a new password hash, either after an explicit
// password change or a transparent rehash on verify.
func (a *Account) RotatePasswordHash(newHash string) error {
	if newHash == "" {
		return ErrEmptyPasswordHash
	}
	a.PasswordHash = newHash
	return nil
}

// MFAEnabled reports whether a TOTP second factor has been activated.
func (a *Account) MFAEnabled() bool {
	return a.TOTPEnabled != nil
}

// EnrollTOTP stores a pending TOTP secret. The second factor stays inactive
// until ActivateTOTP confirms the account holder can produce codes.
func (a *Account) EnrollTOTP(secret string) {
	s := secret
	a.TOTPSecret = &s
	a.TOTPEnabled = nil
}

// ActivateTOTP marks the enrolled second factor as active.
func (a *Account) ActivateTOTP(now time.Time) {
	at := now
	a.TOTPEnabled = &at
}

// DisableTOTP removes the second factor entirely.
func (a *Account) DisableTOTP() {
	a.TOTPSecret = nil
	a.TOTPEnabled = nil
}
