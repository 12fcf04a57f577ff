package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/store"
)

var (
	ErrInvalidTOTPCode   = errors.New("invalid TOTP code")
	ErrMFANotEnrolled    = errors.New("MFA not enrolled for this account")
	ErrMFAAlreadyEnabled = errors.New("MFA already enabled for this account")
)

// MFAService manages the optional TOTP second factor on accounts.
type MFAService struct {
	Store  store.Store
	Issuer string // issuer label shown in authenticator apps
}

// TOTPEnrollment is handed back from StartEnrollment so the caller can
// render a QR code. The secret is never returned again.
type TOTPEnrollment struct {
	Secret string
	URL    string
}

// StartEnrollment generates and stores a pending TOTP secret. The second
// factor stays inactive until Activate confirms a valid code.
func (s *MFAService) StartEnrollment(ctx context.Context, accountID string) (TOTPEnrollment, error) {
	var enrollment TOTPEnrollment
	err := withStaleRetry(func() error {
		acct, err := s.getAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.MFAEnabled() {
			return ErrMFAAlreadyEnabled
		}

		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      s.Issuer,
			AccountName: acct.Email,
			Period:      30,
			Digits:      otp.DigitsSix,
			Algorithm:   otp.AlgorithmSHA1,
		})
		if err != nil {
			return fmt.Errorf("generate TOTP key: %w", err)
		}

		acct.EnrollTOTP(key.Secret())
		if err := s.Store.Accounts().UpdateAccount(ctx, acct); err != nil {
			return err
		}

		enrollment = TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}
		return nil
	})
	if err != nil {
		return TOTPEnrollment{}, err
	}
	return enrollment, nil
}

// Activate turns the second factor on after the account holder proves they
// can produce a code for the enrolled secret.
func (s *MFAService) Activate(ctx context.Context, accountID, code string) error {
	return withStaleRetry(func() error {
		acct, err := s.getAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.TOTPSecret == nil || *acct.TOTPSecret == "" {
			return ErrMFANotEnrolled
		}
		if acct.MFAEnabled() {
			return ErrMFAAlreadyEnabled
		}
		if !totp.Validate(code, *acct.TOTPSecret) {
			return ErrInvalidTOTPCode
		}

		acct.ActivateTOTP(time.Now().UTC())
		return s.Store.Accounts().UpdateAccount(ctx, acct)
	})
}

// Disable removes the second factor entirely.
func (s *MFAService) Disable(ctx context.Context, accountID string) error {
	return withStaleRetry(func() error {
		acct, err := s.getAccount(ctx, accountID)
		if err != nil {
			return err
		}
		acct.DisableTOTP()
		return s.Store.Accounts().UpdateAccount(ctx, acct)
	})
}

// VerifyCode checks a TOTP code against an account's active second factor.
func (s *MFAService) VerifyCode(ctx context.Context, accountID, code string) error {
	acct, err := s.getAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.MFAEnabled() || acct.TOTPSecret == nil {
		return ErrMFANotEnrolled
	}
	if !totp.Validate(code, *acct.TOTPSecret) {
		return ErrInvalidTOTPCode
	}
	return nil
}

func (s *MFAService) getAccount(ctx context.Context, accountID string) (domain.Account, error) {
	acct, err := s.Store.Accounts().GetAccountByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, ErrAccountNotFound
	}
	return acct, err
}
