package model

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestApplyProfile(t *testing.T) {
	base := func() *User {
		return &User{Name: "Ann", Email: "ann@example.com", ExternalID: strp("sub-1"), AvatarURL: strp("https://a/1.png")}
	}

	u := base()
	require.False(t, u.ApplyProfile(IdentityProfile{Subject: "sub-1", Email: "ann@example.com", Name: "Ann"}))
	require.Equal(t, "https://a/1.png", *u.AvatarURL, "avatar kept when profile has none")

	u = base()
	require.True(t, u.ApplyProfile(IdentityProfile{Subject: "sub-1", Email: "other@example.com", Name: "Ann B", Picture: "https://a/2.png"}))
	require.Equal(t, "Ann B", u.Name)
	require.Equal(t, "https://a/2.png", *u.AvatarURL)
	require.Equal(t, "ann@example.com", u.Email)

	u = base()
	u.ExternalID = nil
	require.True(t, u.ApplyProfile(IdentityProfile{Subject: "sub-9", Name: "Ann"}))
	require.Equal(t, "sub-9", *u.ExternalID)
}

func TestNewUserFromProfile(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	now := time.Now()

	u := NewUserFromProfile(id, IdentityProfile{Subject: "s", Email: "e@x", Name: "e"}, now)
	require.Equal(t, id, u.ID)
	require.Equal(t, "s", *u.ExternalID)
	require.Nil(t, u.AvatarURL)
	require.Equal(t, now, u.CreatedAt)
}

func TestRefreshToken_ValidAt(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rt := RefreshToken{ExpiresAt: exp}

	require.True(t, rt.ValidAt(exp.Add(-time.Nanosecond)))
	require.False(t, rt.ValidAt(exp), "expiry is exclusive")
	require.False(t, rt.ValidAt(exp.Add(time.Second)))
}
