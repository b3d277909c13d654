// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/larder/internal/model"
)

// UserRepository stores accounts linked to federated identities.
type UserRepository interface {
	// FindOrCreateByIdentity returns the user matching the profile's subject or
	// email, updating drifted fields, or creates a new one.
	FindOrCreateByIdentity(ctx context.Context, p model.IdentityProfile) (*model.User, error)
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// RefreshTokenRepository stores hashed refresh tokens.
type RefreshTokenRepository interface {
	// Issue stores a new record for userID.
	Issue(ctx context.Context, userID uuid.UUID, hash []byte, expiresAt time.Time) (*model.RefreshToken, error)
	// FindValid returns the record for hash if it exists and expires after now.
	FindValid(ctx context.Context, hash []byte, now time.Time) (*model.RefreshToken, error)
	// Rotate atomically replaces the live record for oldHash with a new one.
	// It returns (nil, false, nil) when nothing was rotated.
	Rotate(ctx context.Context, oldHash, newHash []byte, newExpiry, now time.Time) (*model.RefreshToken, bool, error)
	// Revoke deletes the record for hash and reports whether one existed.
	Revoke(ctx context.Context, hash []byte) (bool, error)
}
