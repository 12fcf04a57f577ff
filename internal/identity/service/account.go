package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/event"
	"github.com/midgarde/keygate/internal/identity/store"
	"github.com/midgarde/keygate/pkg/cryptox"
	"github.com/midgarde/keygate/pkg/slogx"
)

const (
	// DefaultMaxFailedAttempts is the number of consecutive password failures
	// that locks an account.
	DefaultMaxFailedAttempts = 5

	// DefaultLockoutDuration is how long a locked account stays locked.
	DefaultLockoutDuration = 15 * time.Minute

	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 8

	// staleRetryLimit bounds the read-modify-write loop when concurrent
	// writers keep bumping the account version. Every retry re-reads, so
	// under the store's serialization one writer lands per round and the
	// bound is a safety net, not an expected exit.
	staleRetryLimit = 32
)

var (
	ErrInvalidInput       = errors.New("invalid_input")
	ErrDuplicateEmail     = errors.New("duplicate_email")
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrTooManyAttempts    = errors.New("too_many_attempts")

	// ErrConflict reports sustained write contention: an update could not
	// land even after exhausting retries. The store's version sentinel never
	// escapes raw; callers see this service-level failure and may retry the
	// whole operation.
	ErrConflict = errors.New("storage_conflict")
)

// withStaleRetry runs fn until it stops failing with a version mismatch.
// fn must re-read the row it mutates on every call.
func withStaleRetry(fn func() error) error {
	for attempt := 0; attempt < staleRetryLimit; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrVersionMismatch) {
			return err
		}
		// A mismatch means another writer just committed; back off briefly
		// before re-reading.
		time.Sleep(time.Duration(attempt) * time.Millisecond)
	}
	return fmt.Errorf("%w: update lost %d version races", ErrConflict, staleRetryLimit)
}

// AccountLockedError is returned by Authenticate while an account's lockout
// window is still open. RetryAfter is how long until it lapses.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

type AccountService struct {
	Store store.Store
	Bus   *event.Bus

	// Zero values fall back to DefaultMaxFailedAttempts / DefaultLockoutDuration.
	MaxFailedAttempts int
	LockoutDuration   time.Duration

	// Optional per-email rate limit applied before any store access.
	Throttle *LoginThrottle
}

func (s *AccountService) maxFailedAttempts() int {
	if s.MaxFailedAttempts > 0 {
		return s.MaxFailedAttempts
	}
	return DefaultMaxFailedAttempts
}

func (s *AccountService) lockoutDuration() time.Duration {
	if s.LockoutDuration > 0 {
		return s.LockoutDuration
	}
	return DefaultLockoutDuration
}

// Register creates a new account from an email and a plaintext password.
//
// The email is normalised (trimmed, lowercased) before storage so lookups are
// case-insensitive. The published AccountCreated event runs after the account
// is committed; a failing subscriber is logged but does not undo registration.
func (s *AccountService) Register(ctx context.Context, email, password string) (domain.Account, error) {
	l := slogx.FromContext(ctx)

	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return domain.Account{}, err
	}
	if len(password) < MinPasswordLength {
		return domain.Account{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return domain.Account{}, fmt.Errorf("hash password: %w", err)
	}

	acct, err := domain.NewAccount(email, hash)
	if err != nil {
		return domain.Account{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	if err := s.Store.Accounts().CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return domain.Account{}, ErrDuplicateEmail
		}
		return domain.Account{}, err
	}

	l.Info("account registered",
		slog.String("account_id", acct.ID),
		slog.String("email", acct.Email),
	)

	if s.Bus != nil {
		evt := domain.AccountCreated{
			AccountID: acct.ID,
			Email:     acct.Email,
			At:        time.Now().UTC(),
		}
		if err := s.Bus.Publish(ctx, evt); err != nil {
			l.Error("account created event delivery failed",
				slog.Any("error", err),
				slog.String("account_id", acct.ID),
			)
		}
	}

	return acct, nil
}

// Authenticate verifies an email/password pair and maintains the lockout
// state machine around the attempt.
//
// A lapsed lockout is cleared before the password is evaluated, so a correct
// password immediately after the window ends succeeds. Failed attempts bump
// the counter and lock the account once it reaches the configured threshold.
// A match with an outdated hash is transparently re-hashed under the current
// cost parameters.
func (s *AccountService) Authenticate(ctx context.Context, email, password string) (domain.Account, error) {
	email = NormalizeEmail(email)

	if s.Throttle != nil && !s.Throttle.Allow(email) {
		return domain.Account{}, ErrTooManyAttempts
	}

	var acct domain.Account
	err := withStaleRetry(func() error {
		var err error
		acct, err = s.authenticateOnce(ctx, email, password)
		return err
	})
	if err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

func (s *AccountService) authenticateOnce(ctx context.Context, email, password string) (domain.Account, error) {
	now := time.Now().UTC()
	l := slogx.FromContext(ctx)

	acct, err := s.Store.Accounts().GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Account{}, ErrAccountNotFound
		}
		return domain.Account{}, err
	}

	// The lockout flag is persisted but the window end is authoritative.
	// Clear a lapsed lockout before evaluating the password.
	if acct.IsLockedOut && !acct.Locked(now) {
		acct.Unlock()
		if err := s.Store.Accounts().UpdateAccount(ctx, acct); err != nil {
			return domain.Account{}, err
		}
		// Re-read so the post-verification update starts from the stored
		// version rather than assuming how the store advances it.
		acct, err = s.Store.Accounts().GetAccountByID(ctx, acct.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Account{}, ErrAccountNotFound
			}
			return domain.Account{}, err
		}
	}

	if acct.Locked(now) {
		return domain.Account{}, &AccountLockedError{RetryAfter: acct.LockoutEnd.Sub(now)}
	}

	result, err := cryptox.VerifyPassword(password, acct.PasswordHash)
	if err != nil {
		return domain.Account{}, fmt.Errorf("verify password: %w", err)
	}

	switch result {
	case cryptox.VerifyMismatch:
		acct.RecordFailedAttempt()
		if acct.AccessFailedCount >= s.maxFailedAttempts() && !acct.IsLockedOut {
			acct.LockOut(now, s.lockoutDuration())
			l.Warn("account locked out",
				slog.String("account_id", acct.ID),
				slog.Int("failed_attempts", acct.AccessFailedCount),
			)
		}
		if err := s.Store.Accounts().UpdateAccount(ctx, acct); err != nil {
			return domain.Account{}, err
		}
		return domain.Account{}, ErrInvalidCredentials

	case cryptox.VerifyMatchNeedsRehash:
		newHash, err := cryptox.HashPassword(password)
		if err != nil {
			return domain.Account{}, fmt.Errorf("rehash password: %w", err)
		}
		if err := acct.RotatePasswordHash(newHash); err != nil {
			return domain.Account{}, err
		}
		l.Info("password hash upgraded", slog.String("account_id", acct.ID))
		fallthrough

	case cryptox.VerifyMatch:
		acct.RecordSuccessfulLogin(now)
		if err := s.Store.Accounts().UpdateAccount(ctx, acct); err != nil {
			return domain.Account{}, err
		}
		return acct, nil

	default:
		return domain.Account{}, fmt.Errorf("unexpected verify result %d", result)
	}
}

// ChangePassword rotates the password after re-verifying the current one.
func (s *AccountService) ChangePassword(ctx context.Context, email, currentPassword, newPassword string) error {
	email = NormalizeEmail(email)

	if len(newPassword) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	return withStaleRetry(func() error {
		return s.changePasswordOnce(ctx, email, currentPassword, newPassword)
	})
}

func (s *AccountService) changePasswordOnce(ctx context.Context, email, currentPassword, newPassword string) error {
	acct, err := s.Store.Accounts().GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}

	result, err := cryptox.VerifyPassword(currentPassword, acct.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if result == cryptox.VerifyMismatch {
		return ErrInvalidCredentials
	}

	hash, err := cryptox.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := acct.RotatePasswordHash(hash); err != nil {
		return err
	}

	return s.Store.Accounts().UpdateAccount(ctx, acct)
}

// Unlock clears any lockout state ahead of schedule, e.g. by an operator.
func (s *AccountService) Unlock(ctx context.Context, accountID string) error {
	return withStaleRetry(func() error {
		acct, err := s.Store.Accounts().GetAccountByID(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		acct.Unlock()
		return s.Store.Accounts().UpdateAccount(ctx, acct)
	})
}

// Delete removes the account and, through the schema's cascade rules, its
// refresh tokens and pending authorization codes.
func (s *AccountService) Delete(ctx context.Context, accountID string) error {
	err := s.Store.Accounts().DeleteAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAccountNotFound
	}
	return err
}

// GetByID fetches an account by id.
func (s *AccountService) GetByID(ctx context.Context, accountID string) (domain.Account, error) {
	acct, err := s.Store.Accounts().GetAccountByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, ErrAccountNotFound
	}
	return acct, err
}

// GetByEmail fetches an account by its normalised email.
func (s *AccountService) GetByEmail(ctx context.Context, email string) (domain.Account, error) {
	acct, err := s.Store.Accounts().GetAccountByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, ErrAccountNotFound
	}
	return acct, err
}

// List returns all accounts, newest first.
func (s *AccountService) List(ctx context.Context) ([]domain.Account, error) {
	return s.Store.Accounts().ListAccounts(ctx)
}

// NormalizeEmail trims and lowercases an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return nil
}
