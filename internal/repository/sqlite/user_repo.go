package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/model"
)

// UserRepo implements UserRepository on SQLite.
type UserRepo struct{ s *Storage }

// NewUserRepo constructs a user repository.
func NewUserRepo(s *Storage) *UserRepo { return &UserRepo{s: s} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u       model.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.ExternalID, &u.AvatarURL, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

// FindOrCreateByIdentity returns the user matching p by external id, then by
// email, updating drifted fields; otherwise it inserts a new user.
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

func (r *UserRepo) findOrCreate(ctx context.Context, p model.IdentityProfile) (*model.User, error) {
	var u *model.User
	err := r.s.inTx(ctx, func(tx *sql.Tx) error {
		const sel = `
SELECT id, name, email, external_id, avatar_url, created_at
FROM users
WHERE external_id = ? OR email = ?
ORDER BY (external_id IS ?) DESC
LIMIT 1`
		found, err := scanUser(tx.QueryRowContext(ctx, sel, p.Subject, p.Email, p.Subject))
		switch {
		case err == nil:
			u = found
			if !u.ApplyProfile(p) {
				return nil
			}
			const upd = `UPDATE users SET name = ?, external_id = ?, avatar_url = ? WHERE id = ?`
			_, err = tx.ExecContext(ctx, upd, u.Name, u.ExternalID, u.AvatarURL, u.ID)
			return err
		case errors.Is(err, sql.ErrNoRows):
		default:
			return err
		}

		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		u = model.NewUserFromProfile(id, p, r.s.now().UTC())
		const ins = `
INSERT INTO users (id, name, email, external_id, avatar_url, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
		_, err = tx.ExecContext(ctx, ins, u.ID, u.Name, u.Email, u.ExternalID, u.AvatarURL, toNanos(u.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `SELECT id, name, email, external_id, avatar_url, created_at FROM users WHERE id = ?`
	u, err := scanUser(r.s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}
