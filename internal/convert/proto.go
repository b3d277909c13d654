// Package convert maps domain values to and from their wire messages.
package convert

import (
	"fmt"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	model "github.com/and161185/larder/internal/model"
)

// Token struct field names.
const (
	FieldAccessToken      = "access_token"
	FieldRefreshToken     = "refresh_token"
	FieldExpiresAt        = "expires_at"
	FieldRefreshExpiresAt = "refresh_expires_at"
	FieldUserID           = "user_id"
)

// --- helpers ---

func ts(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewStringValue("")
	}
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339))
}

func parseTS(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", field, err)
	}
	return t, nil
}

// --- Tokens ---

// ToProtoTokens encodes a token pair as a Struct.
func ToProtoTokens(t model.Tokens) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldAccessToken:      structpb.NewStringValue(t.AccessToken),
		FieldRefreshToken:     structpb.NewStringValue(t.RefreshToken),
		FieldExpiresAt:        ts(t.ExpiresAt),
		FieldRefreshExpiresAt: ts(t.RefreshExpiresAt),
		FieldUserID:           structpb.NewStringValue(t.UserID.String()),
	}}
}

// FromProtoTokens decodes a token pair. Both tokens are required.
func FromProtoTokens(s *structpb.Struct) (model.Tokens, error) {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }

	out := model.Tokens{
		AccessToken:  str(FieldAccessToken),
		RefreshToken: str(FieldRefreshToken),
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return model.Tokens{}, fmt.Errorf("tokens: missing %s or %s", FieldAccessToken, FieldRefreshToken)
	}

	var err error
	if out.ExpiresAt, err = parseTS(FieldExpiresAt, str(FieldExpiresAt)); err != nil {
		return model.Tokens{}, err
	}
	if out.RefreshExpiresAt, err = parseTS(FieldRefreshExpiresAt, str(FieldRefreshExpiresAt)); err != nil {
		return model.Tokens{}, err
	}
	if id := str(FieldUserID); id != "" {
		if out.UserID, err = u.FromString(id); err != nil {
			return model.Tokens{}, fmt.Errorf("%s: %w", FieldUserID, err)
		}
	}
	return out, nil
}
