package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/store"
)

type authorizationCodesRepo struct {
	db dbtx
}

func (r *authorizationCodesRepo) CreateAuthorizationCode(ctx context.Context, code domain.AuthorizationCode) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO authorization_codes
		 (id, account_id, client_id, code_hash, redirect_uri, expires_at, used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID, code.AccountID, code.ClientID, code.CodeHash, code.RedirectURI,
		code.ExpiresAt, optionalTime(code.UsedAt), code.CreatedAt)
	return mapConstraint(err)
}

func (r *authorizationCodesRepo) GetAuthorizationCodeByHash(ctx context.Context, hash string) (domain.AuthorizationCode, error) {
	var (
		code   domain.AuthorizationCode
		usedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, client_id, code_hash, redirect_uri, expires_at, used_at, created_at
		 FROM authorization_codes WHERE code_hash = ?`, hash).
		Scan(&code.ID, &code.AccountID, &code.ClientID, &code.CodeHash,
			&code.RedirectURI, &code.ExpiresAt, &usedAt, &code.CreatedAt)
	if err != nil {
		return domain.AuthorizationCode{}, mapNotFound(err)
	}
	code.UsedAt = timePtr(usedAt)
	return code, nil
}

// MarkAuthorizationCodeUsed consumes a code. "Check unused, mark used" is a
// single conditional update, so two concurrent redemptions of one code
// resolve to exactly one winner.
func (r *authorizationCodesRepo) MarkAuthorizationCodeUsed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE authorization_codes SET used_at = ?
		 WHERE id = ? AND used_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *authorizationCodesRepo) DeleteExpiredAuthorizationCodes(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at < ?`, time.Now().UTC())
	return err
}
