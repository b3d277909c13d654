package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/model"
)

// TokenRepo implements RefreshTokenRepository on SQLite.
type TokenRepo struct{ s *Storage }

// NewTokenRepo constructs a refresh token repository.
func NewTokenRepo(s *Storage) *TokenRepo { return &TokenRepo{s: s} }

const insToken = `
INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)`

// Issue inserts a new refresh token record.
func (r *TokenRepo) Issue(ctx context.Context, userID uuid.UUID, hash []byte, expiresAt time.Time) (*model.RefreshToken, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	rec := &model.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: expiresAt,
		CreatedAt: r.s.now().UTC(),
	}
	_, err = r.s.db.ExecContext(ctx, insToken,
		rec.ID, rec.UserID, rec.TokenHash, toNanos(rec.ExpiresAt), toNanos(rec.CreatedAt))
	if isUniqueViolation(err) {
		return nil, errs.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return rec, nil
}

// FindValid selects the record for hash when it expires strictly after now.
func (r *TokenRepo) FindValid(ctx context.Context, hash []byte, now time.Time) (*model.RefreshToken, error) {
	const q = `
SELECT id, user_id, token_hash, expires_at, created_at
FROM refresh_tokens
WHERE token_hash = ? AND expires_at > ?`
	var (
		rec          model.RefreshToken
		exp, created int64
	)
	err := r.s.db.QueryRowContext(ctx, q, hash, toNanos(now)).
		Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &exp, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	rec.ExpiresAt, rec.CreatedAt = fromNanos(exp), fromNanos(created)
	return &rec, nil
}

var errNoRotation = errors.New("no rotation")

// Rotate replaces the record for oldHash with a new one for the same user.
// Missing, expired or already consumed records yield (nil, false, nil).
func (r *TokenRepo) Rotate(ctx context.Context, oldHash, newHash []byte, newExpiry, now time.Time) (*model.RefreshToken, bool, error) {
	var next *model.RefreshToken
	err := r.s.inTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT user_id, expires_at FROM refresh_tokens WHERE token_hash = ?`
		var (
			userID uuid.UUID
			exp    int64
		)
		err := tx.QueryRowContext(ctx, sel, oldHash).Scan(&userID, &exp)
		if errors.Is(err, sql.ErrNoRows) {
			return errNoRotation
		}
		if err != nil {
			return err
		}
		if !now.Before(fromNanos(exp)) {
			return errNoRotation
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, oldHash)
		if err != nil {
			return err
		}
		if err := deletedOne(res); err != nil {
			return err
		}

		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		next = &model.RefreshToken{ID: id, UserID: userID, TokenHash: newHash, ExpiresAt: newExpiry, CreatedAt: now}
		_, err = tx.ExecContext(ctx, insToken,
			next.ID, next.UserID, next.TokenHash, toNanos(next.ExpiresAt), toNanos(next.CreatedAt))
		return err
	})
	if errors.Is(err, errNoRotation) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rotate refresh token: %w", err)
	}
	return next, true, nil
}

// deletedOne maps a delete result onto errNoRotation unless exactly one row went away.
func deletedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errNoRotation
	}
	return nil
}

// Revoke deletes the record for hash and reports whether one existed.
func (r *TokenRepo) Revoke(ctx context.Context, hash []byte) (bool, error) {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, hash)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
