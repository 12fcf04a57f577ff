package sqlite

import (
	"context"
	"database/sql"

	"github.com/midgarde/keygate/internal/identity/domain"
	"github.com/midgarde/keygate/internal/identity/store"
)

type clientsRepo struct {
	db dbtx
}

func (r *clientsRepo) GetClientByID(ctx context.Context, id string) (domain.Client, error) {
	var (
		c          domain.Client
		secretHash sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, secret_hash, redirect_uri, created_at, updated_at
		 FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &secretHash, &c.RedirectURI, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Client{}, mapNotFound(err)
	}
	if secretHash.Valid {
		c.SecretHash = secretHash.String
	}
	return c, nil
}

func (r *clientsRepo) CreateClient(ctx context.Context, c domain.Client) error {
	secretHash := sql.NullString{}
	if c.SecretHash != "" {
		secretHash = sql.NullString{String: c.SecretHash, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, secret_hash, redirect_uri, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, secretHash, c.RedirectURI, c.CreatedAt, c.UpdatedAt)
	return mapConstraint(err)
}

func (r *clientsRepo) DeleteClient(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
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
