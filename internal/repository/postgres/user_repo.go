package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const userCols = `id, name, email, external_id, avatar_url, created_at`

// FindOrCreateByIdentity locks the user matching p by external id or email,
// preferring the external id match, and updates drifted fields; otherwise it
// inserts a new user. A concurrent insert of the same identity is retried once.
func (r *UserRepo) FindOrCreateByIdentity(ctx context.Context, p model.IdentityProfile) (*model.User, error) {
	u, err := r.findOrCreate(ctx, p)
	if isUniqueViolation(err) {
		u, err = r.findOrCreate(ctx, p)
	}
	if err != nil {
		return nil, fmt.Errorf("find or create user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) findOrCreate(ctx context.Context, p model.IdentityProfile) (u *model.User, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			u, err = nil, e
		}
	}()

	const sel = `
SELECT ` + userCols + `
FROM users
WHERE external_id=$1 OR email=$2
ORDER BY (external_id IS NOT DISTINCT FROM $1) DESC
LIMIT 1
FOR UPDATE`
	u = &model.User{}
	err = tx.QueryRow(ctx, sel, p.Subject, p.Email).
		Scan(&u.ID, &u.Name, &u.Email, &u.ExternalID, &u.AvatarURL, &u.CreatedAt)
	switch {
	case err == nil:
		if !u.ApplyProfile(p) {
			return u, nil
		}
		const upd = `UPDATE users SET name=$2, external_id=$3, avatar_url=$4 WHERE id=$1`
		if _, err = tx.Exec(ctx, upd, u.ID, u.Name, u.ExternalID, u.AvatarURL); err != nil {
			return nil, err
		}
		return u, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	u = model.NewUserFromProfile(id, p, r.db.now().UTC())
	const ins = `
INSERT INTO users (` + userCols + `)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err = tx.Exec(ctx, ins, u.ID, u.Name, u.Email, u.ExternalID, u.AvatarURL, u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id=$1`
	var u model.User
	err := r.db.Pool.QueryRow(ctx, q, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.ExternalID, &u.AvatarURL, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
