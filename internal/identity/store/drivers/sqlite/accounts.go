package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/store"
)

type accountsRepo struct {
	db dbtx
}

const accountColumns = `id, email, password_hash, is_locked_out, lockout_end,
	access_failed_count, totp_secret, totp_enabled, created_at, last_login_at,
	updated_at, version`

func (r *accountsRepo) GetAccountByID(ctx context.Context, id string) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (r *accountsRepo) GetAccountByEmail(ctx context.Context, email string) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return scanAccount(row)
}

func (r *accountsRepo) CreateAccount(ctx context.Context, a domain.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Email,
		a.PasswordHash,
		a.IsLockedOut,
		optionalTime(a.LockoutEnd),
		a.AccessFailedCount,
		optionalString(a.TOTPSecret),
		optionalTime(a.TOTPEnabled),
		a.CreatedAt,
		optionalTime(a.LastLoginAt),
		a.UpdatedAt,
		a.Version,
	)
	return mapConstraint(err)
}

// UpdateAccount applies the mutable fields with a version check. The row
// version is bumped atomically; a caller holding a stale version gets
// ErrVersionMismatch and must re-fetch.
func (r *accountsRepo) UpdateAccount(ctx context.Context, a domain.Account) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET email = ?, password_hash = ?, is_locked_out = ?, lockout_end = ?,
		     access_failed_count = ?, totp_secret = ?, totp_enabled = ?,
		     last_login_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		a.Email,
		a.PasswordHash,
		a.IsLockedOut,
		optionalTime(a.LockoutEnd),
		a.AccessFailedCount,
		optionalString(a.TOTPSecret),
		optionalTime(a.TOTPEnabled),
		optionalTime(a.LastLoginAt),
		time.Now().UTC(),
		a.ID,
		a.Version,
	)
	if err != nil {
		return mapConstraint(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from a stale version.
		var one int
		err := r.db.QueryRowContext(ctx,
			`SELECT 1 FROM accounts WHERE id = ?`, a.ID).Scan(&one)
		if err != nil {
			return mapNotFound(err)
		}
		return store.ErrVersionMismatch
	}
	return nil
}

func (r *accountsRepo) DeleteAccount(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
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

func (r *accountsRepo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		a           domain.Account
		lockoutEnd  sql.NullTime
		totpSecret  sql.NullString
		totpEnabled sql.NullTime
		lastLoginAt sql.NullTime
	)

	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.IsLockedOut,
		&lockoutEnd,
		&a.AccessFailedCount,
		&totpSecret,
		&totpEnabled,
		&a.CreatedAt,
		&lastLoginAt,
		&a.UpdatedAt,
		&a.Version,
	)
	if err != nil {
		return domain.Account{}, mapNotFound(err)
	}

	a.LockoutEnd = timePtr(lockoutEnd)
	a.TOTPSecret = stringPtr(totpSecret)
	a.TOTPEnabled = timePtr(totpEnabled)
	a.LastLoginAt = timePtr(lastLoginAt)
	return a, nil
}

func optionalTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func optionalString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
