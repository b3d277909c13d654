// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects the issued access/refresh pair.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time // access token expiry
	RefreshExpiresAt time.Time
	UserID           uuid.UUID
}

// IdentityProfile is the verified content of a third-party identity token.
// It is never persisted as is.
type IdentityProfile struct {
	Subject string // provider subject id
	Email   string
	Name    string
	Picture string // optional avatar URL
}

// User represents an account linked to a federated identity.
type User struct {
	ID         uuid.UUID // PK, immutable
	Name       string
	Email      string  // unique
	ExternalID *string // provider subject id; unique when set
	AvatarURL  *string
	CreatedAt  time.Time
}

// RefreshToken is a stored refresh token record. Only the hash of the secret is kept.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID // FK -> users.id
	TokenHash []byte    // unique
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ValidAt reports whether the record can still be used at t. Expiry is exclusive.
func (t RefreshToken) ValidAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// ApplyProfile copies drifted identity fields from p onto u and reports
// whether anything changed. Email is left alone; the avatar is only
// replaced when p carries one.
func (u *User) ApplyProfile(p IdentityProfile) bool {
	changed := false
	if u.Name != p.Name {
		u.Name = p.Name
		changed = true
	}
	if u.ExternalID == nil || *u.ExternalID != p.Subject {
		sub := p.Subject
		u.ExternalID = &sub
		changed = true
	}
	if p.Picture != "" && (u.AvatarURL == nil || *u.AvatarURL != p.Picture) {
		pic := p.Picture
		u.AvatarURL = &pic
		changed = true
	}
	return changed
}

// NewUserFromProfile builds an unsaved user for p.
func NewUserFromProfile(id uuid.UUID, p IdentityProfile, now time.Time) *User {
	sub := p.Subject
	u := &User{ID: id, Name: p.Name, Email: p.Email, ExternalID: &sub, CreatedAt: now}
	if p.Picture != "" {
		pic := p.Picture
		u.AvatarURL = &pic
	}
	return u
}
