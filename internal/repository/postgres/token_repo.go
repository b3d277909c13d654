package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/model"
)

// TokenRepo implements RefreshTokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs a refresh token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

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
		CreatedAt: r.db.now().UTC(),
	}
	const q = `
INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.db.Pool.Exec(ctx, q, rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt, rec.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, errs.ErrAlreadyExists
		}
		return nil, err
	}
	return rec, nil
}

// FindValid selects the record for hash when it expires strictly after now.
func (r *TokenRepo) FindValid(ctx context.Context, hash []byte, now time.Time) (*model.RefreshToken, error) {
	const q = `
SELECT id, user_id, token_hash, expires_at, created_at
FROM refresh_tokens WHERE token_hash=$1 AND expires_at > $2`
	var rec model.RefreshToken
	err := r.db.Pool.QueryRow(ctx, q, hash, now).
		Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Rotate replaces the record for oldHash with a new one for the same user in a
// serializable transaction. Missing, expired or concurrently consumed records
// yield (nil, false, nil).
func (r *TokenRepo) Rotate(
	ctx context.Context, oldHash, newHash []byte, newExpiry, now time.Time,
) (rec *model.RefreshToken, ok bool, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback(ctx)
			if isSerializationFailure(err) {
				rec, ok, err = nil, false, nil
			}
			return
		}
		if e := tx.Commit(ctx); e != nil {
			rec, ok = nil, false
			if !isSerializationFailure(e) {
				err = e
			}
		}
	}()

	const sel = `SELECT user_id, expires_at FROM refresh_tokens WHERE token_hash=$1 FOR UPDATE`
	var (
		userID uuid.UUID
		exp    time.Time
	)
	err = tx.QueryRow(ctx, sel, oldHash).Scan(&userID, &exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !now.Before(exp) {
		return nil, false, nil
	}

	const del = `DELETE FROM refresh_tokens WHERE token_hash=$1`
	tag, err := tx.Exec(ctx, del, oldHash)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() != 1 {
		return nil, false, nil
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, false, err
	}
	next := &model.RefreshToken{ID: id, UserID: userID, TokenHash: newHash, ExpiresAt: newExpiry, CreatedAt: now}
	const ins = `
INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err = tx.Exec(ctx, ins, next.ID, next.UserID, next.TokenHash, next.ExpiresAt, next.CreatedAt); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// Revoke deletes the record for hash and reports whether one existed.
func (r *TokenRepo) Revoke(ctx context.Context, hash []byte) (bool, error) {
	const q = `DELETE FROM refresh_tokens WHERE token_hash=$1`
	tag, err := r.db.Pool.Exec(ctx, q, hash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
