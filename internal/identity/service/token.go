package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/store"
	"github.com/midgarde/keygate/pkg/cryptox"
	"github.com/midgarde/keygate/pkg/idx"
	"github.com/midgarde/keygate/pkg/jwtx"
	"github.com/midgarde/keygate/pkg/slogx"
)

// Supported grant type identifiers (RFC 6749 §4).
const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

var (
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrInvalidClient        = errors.New("invalid_client")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
)

// TokenRequest carries the parameters of a token endpoint exchange. Fields
// are used per grant type; unused fields are ignored.
type TokenRequest struct {
	GrantType string

	// Client authentication. Required whenever the client is confidential.
	ClientID     string
	ClientSecret string

	// authorization_code grant.
	Code        string
	RedirectURI string

	// refresh_token grant.
	RefreshToken string
}

type TokenService struct {
	Signer jwtx.Signer
	Store  store.Store
	Issuer string

	// Audience set on access tokens in addition to the requesting client.
	Audience []string

	// Zero values fall back to the jwtx defaults.
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	IdentityTTL time.Duration
	CodeTTL     time.Duration
}

// DefaultAuthorizationCodeTTL is how long an issued code may sit unredeemed.
const DefaultAuthorizationCodeTTL = 5 * time.Minute

func (s *TokenService) accessTTL() time.Duration {
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return jwtx.DefaultAccessTokenTTL
}

func (s *TokenService) refreshTTL() time.Duration {
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return jwtx.DefaultRefreshTokenTTL
}

func (s *TokenService) identityTTL() time.Duration {
	if s.IdentityTTL > 0 {
		return s.IdentityTTL
	}
	return jwtx.DefaultIdentityTokenTTL
}

func (s *TokenService) codeTTL() time.Duration {
	if s.CodeTTL > 0 {
		return s.CodeTTL
	}
	return DefaultAuthorizationCodeTTL
}

// Exchange dispatches a token request to the handler for its grant type.
// Unknown grant types fail with ErrUnsupportedGrantType; AsGrantError maps
// the sentinel errors to RFC 6749 wire bodies.
func (s *TokenService) Exchange(ctx context.Context, req TokenRequest) (*domain.TokenResult, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.ExchangeAuthorizationCode(ctx, req.ClientID, req.ClientSecret, req.Code, req.RedirectURI)
	case GrantClientCredentials:
		return s.ExchangeClientCredentials(ctx, req.ClientID, req.ClientSecret)
	case GrantRefreshToken:
		return s.ExchangeRefreshToken(ctx, req.ClientID, req.ClientSecret, req.RefreshToken)
	default:
		return nil, ErrUnsupportedGrantType
	}
}

// IssueAuthorizationCode mints a single-use opaque code binding an
// authenticated account to a client and redirect URI. Only the code's
// fingerprint is persisted; the opaque value is returned once.
func (s *TokenService) IssueAuthorizationCode(
	ctx context.Context,
	accountID, clientID, redirectURI string,
) (string, error) {
	now := time.Now().UTC()

	client, err := s.Store.Clients().GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidClient
		}
		return "", err
	}
	if client.RedirectURI != "" && client.RedirectURI != redirectURI {
		return "", ErrInvalidGrant
	}

	opaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	code := domain.AuthorizationCode{
		ID:          idx.New().String(),
		AccountID:   accountID,
		ClientID:    clientID,
		CodeHash:    cryptox.FingerprintToken(opaque),
		RedirectURI: redirectURI,
		ExpiresAt:   now.Add(s.codeTTL()),
		CreatedAt:   now,
	}
	if err := s.Store.AuthorizationCodes().CreateAuthorizationCode(ctx, code); err != nil {
		return "", err
	}

	return opaque, nil
}

// ExchangeAuthorizationCode implements the OAuth2 authorization_code grant.
//
// The code lookup, validity checks, and consumption happen inside one
// transaction so a replayed code loses cleanly: MarkAuthorizationCodeUsed is
// conditional on the code being unused, and the loser's transaction rolls
// back without issuing anything.
func (s *TokenService) ExchangeAuthorizationCode(
	ctx context.Context,
	clientID, clientSecret, code, redirectURI string,
) (*domain.TokenResult, error) {
	now := time.Now().UTC()
	l := slogx.FromContext(ctx)

	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	code = strings.TrimSpace(code)
	redirectURI = strings.TrimSpace(redirectURI)
	if code == "" || redirectURI == "" {
		return nil, ErrInvalidGrant
	}

	codeHash := cryptox.FingerprintToken(code)

	var result *domain.TokenResult

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		authCode, err := tx.AuthorizationCodes().GetAuthorizationCodeByHash(ctx, codeHash)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidGrant
			}
			return err
		}

		if authCode.ClientID != client.ID {
			return ErrInvalidClient
		}
		if authCode.RedirectURI != redirectURI {
			return ErrInvalidGrant
		}
		if authCode.UsedAt != nil || now.After(authCode.ExpiresAt) {
			return ErrInvalidGrant
		}

		if err := tx.AuthorizationCodes().MarkAuthorizationCodeUsed(ctx, authCode.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Another exchange consumed the code between our read and
				// the mark. Treat it as a replay.
				return ErrInvalidGrant
			}
			return err
		}

		acct, err := tx.Accounts().GetAccountByID(ctx, authCode.AccountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidGrant
			}
			return err
		}

		accessToken, err := s.signAccess(acct.ID, acct.Email, client.ID, now)
		if err != nil {
			return err
		}

		idToken, err := s.signIdentity(acct.ID, acct.Email, client.ID, now)
		if err != nil {
			return err
		}

		refreshOpaque, refresh, err := s.mintRefreshToken(acct.ID, client.ID, now)
		if err != nil {
			return err
		}
		if err := tx.RefreshTokens().CreateRefreshToken(ctx, refresh); err != nil {
			return err
		}

		result = &domain.TokenResult{
			AccessToken:  accessToken,
			TokenType:    domain.TokenTypeBearer,
			ExpiresIn:    int64(s.accessTTL().Seconds()),
			RefreshToken: refreshOpaque,
			IDToken:      idToken,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.Info("authorization code exchanged",
		slog.String("client_id", client.ID),
	)
	return result, nil
}

// ExchangeClientCredentials implements the OAuth2 client_credentials grant.
// The client is the subject; no refresh token is issued since the client can
// always re-authenticate.
func (s *TokenService) ExchangeClientCredentials(
	ctx context.Context,
	clientID, clientSecret string,
) (*domain.TokenResult, error) {
	now := time.Now().UTC()
	l := slogx.FromContext(ctx)

	client, err := s.Store.Clients().GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, err
	}

	// Public clients cannot use this grant.
	if client.SecretHash == "" {
		l.Warn("client_credentials grant attempted with public client", slog.String("client_id", clientID))
		return nil, ErrInvalidClient
	}
	if !s.secretMatches(clientSecret, client.SecretHash) {
		l.Info("client secret verification failed", slog.String("client_id", clientID))
		return nil, ErrInvalidClient
	}

	accessToken, err := s.signAccess(client.ID, "", client.ID, now)
	if err != nil {
		return nil, err
	}

	return &domain.TokenResult{
		AccessToken: accessToken,
		TokenType:   domain.TokenTypeBearer,
		ExpiresIn:   int64(s.accessTTL().Seconds()),
	}, nil
}

// ExchangeRefreshToken implements the OAuth2 refresh_token grant with
// rotation: the presented token is revoked and a replacement issued in the
// same transaction. Presenting a revoked or unknown token fails with
// ErrInvalidGrant.
func (s *TokenService) ExchangeRefreshToken(
	ctx context.Context,
	clientID, clientSecret, refreshOpaque string,
) (*domain.TokenResult, error) {
	now := time.Now().UTC()

	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	refreshOpaque = strings.TrimSpace(refreshOpaque)
	if refreshOpaque == "" {
		return nil, ErrInvalidGrant
	}
	fp := cryptox.FingerprintToken(refreshOpaque)

	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	if rt.Revoked || now.After(rt.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if rt.ClientID != client.ID {
		return nil, ErrInvalidClient
	}

	acct, err := s.Store.Accounts().GetAccountByID(ctx, rt.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The account was deleted after the token was issued.
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	accessToken, err := s.signAccess(acct.ID, acct.Email, client.ID, now)
	if err != nil {
		return nil, err
	}

	newOpaque, newRT, err := s.mintRefreshToken(acct.ID, client.ID, now)
	if err != nil {
		return nil, err
	}

	// Revoke-then-create is atomic, and the revoke is conditional on the
	// token still being live. Two concurrent rotations of the same token
	// produce exactly one replacement.
	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().RevokeRefreshToken(ctx, fp); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidGrant
			}
			return err
		}
		return tx.RefreshTokens().CreateRefreshToken(ctx, newRT)
	}); err != nil {
		return nil, err
	}

	return &domain.TokenResult{
		AccessToken:  accessToken,
		TokenType:    domain.TokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL().Seconds()),
		RefreshToken: newOpaque,
	}, nil
}

// RevokeRefreshToken invalidates a refresh token by its opaque value, e.g.
// on logout. Revoking an already-dead token is not an error.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, refreshOpaque string) error {
	err := s.Store.RefreshTokens().RevokeRefreshToken(ctx, cryptox.FingerprintToken(refreshOpaque))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// authenticateClient loads a client and, when it is confidential, verifies
// the presented secret.
func (s *TokenService) authenticateClient(ctx context.Context, clientID, clientSecret string) (domain.Client, error) {
	l := slogx.FromContext(ctx)

	client, err := s.Store.Clients().GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Client{}, ErrInvalidClient
		}
		return domain.Client{}, err
	}

	if client.SecretHash != "" {
		if clientSecret == "" || !s.secretMatches(clientSecret, client.SecretHash) {
			l.Info("client authentication failed", slog.String("client_id", clientID))
			return domain.Client{}, ErrInvalidClient
		}
	}
	return client, nil
}

func (s *TokenService) secretMatches(secret, hash string) bool {
	result, err := cryptox.VerifyPassword(secret, hash)
	if err != nil {
		return false
	}
	// A match under outdated parameters still authenticates the client;
	// client secrets are rotated by re-registration, not on verify.
	return result != cryptox.VerifyMismatch
}

func (s *TokenService) signAccess(subject, email, clientID string, now time.Time) (string, error) {
	aud := make([]string, 0, len(s.Audience)+1)
	aud = append(aud, s.Audience...)
	aud = append(aud, clientID)
	claims := jwtx.NewAccessClaims(subject, email, s.accessTTL(), s.Issuer, aud, now)
	return s.Signer.Sign(claims)
}

func (s *TokenService) signIdentity(subject, email, clientID string, now time.Time) (string, error) {
	claims := jwtx.NewIdentityClaims(subject, email, s.identityTTL(), s.Issuer, clientID, now)
	return s.Signer.Sign(claims)
}

func (s *TokenService) mintRefreshToken(accountID, clientID string, now time.Time) (string, domain.RefreshToken, error) {
	opaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", domain.RefreshToken{}, err
	}
	rt := domain.RefreshToken{
		ID:        idx.New().String(),
		AccountID: accountID,
		ClientID:  clientID,
		TokenHash: cryptox.FingerprintToken(opaque),
		ExpiresAt: now.Add(s.refreshTTL()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return opaque, rt, nil
}

// AsGrantError maps a token exchange error to its RFC 6749 §5.2 wire body.
// Errors that are not grant failures return nil and should surface as
// internal errors instead.
func AsGrantError(err error) *domain.GrantError {
	switch {
	case errors.Is(err, ErrInvalidClient):
		return &domain.GrantError{
			Code:        domain.GrantErrInvalidClient,
			Description: "client authentication failed",
		}
	case errors.Is(err, ErrInvalidGrant):
		return &domain.GrantError{
			Code:        domain.GrantErrInvalidGrant,
			Description: "the provided grant is invalid, expired or already used",
		}
	case errors.Is(err, ErrUnsupportedGrantType):
		return &domain.GrantError{
			Code:        domain.GrantErrUnsupportedGrantType,
			Description: "grant type is not supported by this server",
		}
	default:
		return nil
	}
}
