// Package idtoken verifies third-party identity tokens signed with RS256.
package idtoken

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/model"
)

// KeySource resolves signing keys by key id without blocking on the network.
type KeySource interface {
	Lookup(kid string) (*rsa.PublicKey, error)
}

// Verifier validates identity tokens against a KeySource and an accepted audience set.
type Verifier struct {
	keys      KeySource
	audiences map[string]struct{}
	parser    *jwt.Parser
	now       func() time.Time
}

// NewVerifier constructs a Verifier. Blank audiences are ignored.
func NewVerifier(keys KeySource, audiences []string) *Verifier {
	set := make(map[string]struct{}, len(audiences))
	for _, a := range audiences {
		if a = strings.TrimSpace(a); a != "" {
			set[a] = struct{}{}
		}
	}
	return &Verifier{keys: keys, audiences: set, parser: jwt.NewParser(), now: time.Now}
}

type header struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
}

type claims struct {
	Exp     *jwt.NumericDate `json:"exp"`
	Aud     jwt.ClaimStrings `json:"aud"`
	Sub     string           `json:"sub"`
	Email   string           `json:"email"`
	Name    string           `json:"name"`
	Picture string           `json:"picture"`
}

// Verify checks structure, header, signature and claims of token, in that
// order, and returns the verified profile. Payload claims are only decoded
// after the signature has been verified.
func (v *Verifier) Verify(_ context.Context, token string) (model.IdentityProfile, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return model.IdentityProfile{}, errs.ErrMalformedToken
	}

	var h header
	if err := v.decodeJSON(parts[0], &h); err != nil {
		return model.IdentityProfile{}, err
	}
	if h.Kid == "" {
		return model.IdentityProfile{}, errs.ErrMissingKeyID
	}
	if h.Alg != jwt.SigningMethodRS256.Alg() {
		return model.IdentityProfile{}, &errs.UnsupportedAlgorithmError{Alg: h.Alg}
	}

	key, err := v.keys.Lookup(h.Kid)
	if err != nil {
		return model.IdentityProfile{}, fmt.Errorf("%w: %w", errs.ErrKeyNotAvailable, err)
	}

	sig, err := v.parser.DecodeSegment(parts[2])
	if err != nil {
		return model.IdentityProfile{}, errs.ErrMalformedToken
	}
	if err := jwt.SigningMethodRS256.Verify(parts[0]+"."+parts[1], sig, key); err != nil {
		return model.IdentityProfile{}, errs.ErrBadSignature
	}

	var c claims
	if err := v.decodeJSON(parts[1], &c); err != nil {
		return model.IdentityProfile{}, err
	}
	if c.Exp == nil {
		return model.IdentityProfile{}, errs.ErrExpiryMissing
	}
	if !v.now().Before(c.Exp.Time) {
		return model.IdentityProfile{}, errs.ErrTokenExpired
	}
	aud := nonEmpty(c.Aud)
	if len(aud) == 0 {
		return model.IdentityProfile{}, errs.ErrAudienceMissing
	}
	if !v.acceptsAny(aud) {
		return model.IdentityProfile{}, errs.ErrAudienceMismatch
	}
	if c.Sub == "" {
		return model.IdentityProfile{}, errs.ErrSubjectMissing
	}
	if c.Email == "" {
		return model.IdentityProfile{}, errs.ErrEmailMissing
	}

	name := c.Name
	if name == "" {
		name = localPart(c.Email)
	}
	return model.IdentityProfile{
		Subject: c.Sub,
		Email:   c.Email,
		Name:    name,
		Picture: c.Picture,
	}, nil
}

func (v *Verifier) decodeJSON(seg string, dst any) error {
	raw, err := v.parser.DecodeSegment(seg)
	if err != nil {
		return errs.ErrMalformedToken
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrMalformedToken, err)
	}
	return nil
}

func (v *Verifier) acceptsAny(aud []string) bool {
	for _, a := range aud {
		if _, ok := v.audiences[a]; ok {
			return true
		}
	}
	return false
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i >= 0 {
		return email[:i]
	}
	return email
}
