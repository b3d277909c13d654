package idtoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/model"
)

var (
	keyOnce    sync.Once
	signingKey *rsa.PrivateKey
	otherKey   *rsa.PrivateKey
)

func keys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if signingKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if otherKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return signingKey, otherKey
}

type staticKeys map[string]*rsa.PublicKey

func (s staticKeys) Lookup(kid string) (*rsa.PublicKey, error) {
	k, ok := s[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownKey, kid)
	}
	return k, nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	k, _ := keys(t)
	v := NewVerifier(staticKeys{"k1": &k.PublicKey}, []string{"web-client", " ios-client ", ""})
	v.now = func() time.Time { return fixedNow }
	return v
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":     "https://accounts.example.com",
		"sub":     "sub-123",
		"aud":     "web-client",
		"email":   "ann@example.com",
		"name":    "Ann Example",
		"picture": "https://img.example.com/ann.png",
		"iat":     fixedNow.Add(-time.Minute).Unix(),
		"exp":     fixedNow.Add(time.Hour).Unix(),
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, c jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func seg(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func TestVerify_Valid(t *testing.T) {
	t.Parallel()

	k, _ := keys(t)
	v := newTestVerifier(t)

	got, err := v.Verify(context.Background(), sign(t, k, "k1", validClaims()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	want := model.IdentityProfile{
		Subject: "sub-123",
		Email:   "ann@example.com",
		Name:    "Ann Example",
		Picture: "https://img.example.com/ann.png",
	}
	if got != want {
		t.Fatalf("profile mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestVerify_NameFallsBackToEmailLocalPart(t *testing.T) {
	t.Parallel()

	k, _ := keys(t)
	v := newTestVerifier(t)
	c := validClaims()
	delete(c, "name")
	delete(c, "picture")

	got, err := v.Verify(context.Background(), sign(t, k, "k1", c))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Name != "ann" || got.Picture != "" {
		t.Fatalf("unexpected profile: %+v", got)
	}
}

func TestVerify_AudienceForms(t *testing.T) {
	t.Parallel()

	k, _ := keys(t)
	v := newTestVerifier(t)

	for _, aud := range []any{"ios-client", []string{"other", "web-client"}} {
		c := validClaims()
		c["aud"] = aud
		if _, err := v.Verify(context.Background(), sign(t, k, "k1", c)); err != nil {
			t.Fatalf("aud %v: %v", aud, err)
		}
	}
}

func TestVerify_ClaimFailures(t *testing.T) {
	t.Parallel()

	k, _ := keys(t)
	v := newTestVerifier(t)

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		want   error
	}{
		{"exp missing", func(c jwt.MapClaims) { delete(c, "exp") }, errs.ErrExpiryMissing},
		{"expired by one second", func(c jwt.MapClaims) { c["exp"] = fixedNow.Add(-time.Second).Unix() }, errs.ErrTokenExpired},
		{"exp equals now", func(c jwt.MapClaims) { c["exp"] = fixedNow.Unix() }, errs.ErrTokenExpired},
		{"aud missing", func(c jwt.MapClaims) { delete(c, "aud") }, errs.ErrAudienceMissing},
		{"aud empty", func(c jwt.MapClaims) { c["aud"] = "" }, errs.ErrAudienceMissing},
		{"aud mismatch", func(c jwt.MapClaims) { c["aud"] = "someone-else" }, errs.ErrAudienceMismatch},
		{"aud list mismatch", func(c jwt.MapClaims) { c["aud"] = []string{"a", "b"} }, errs.ErrAudienceMismatch},
		{"sub missing", func(c jwt.MapClaims) { delete(c, "sub") }, errs.ErrSubjectMissing},
		{"email missing", func(c jwt.MapClaims) { delete(c, "email") }, errs.ErrEmailMissing},
		{"exp not a number", func(c jwt.MapClaims) { c["exp"] = "tomorrow" }, errs.ErrMalformedToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validClaims()
			tt.mutate(c)
			_, err := v.Verify(context.Background(), sign(t, k, "k1", c))
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerify_KeyNotAvailable(t *testing.T) {
	t.Parallel()

	_, other := keys(t)
	v := newTestVerifier(t)

	// payload content is irrelevant when the key is unknown
	for _, c := range []jwt.MapClaims{validClaims(), {"exp": 1}, {}} {
		_, err := v.Verify(context.Background(), sign(t, other, "rotated-away", c))
		if !errors.Is(err, errs.ErrKeyNotAvailable) {
			t.Fatalf("want ErrKeyNotAvailable, got %v", err)
		}
	}
}

func TestVerify_BadSignature(t *testing.T) {
	t.Parallel()

	k, other := keys(t)
	v := newTestVerifier(t)

	// signed by a different key under a known kid
	if _, err := v.Verify(context.Background(), sign(t, other, "k1", validClaims())); !errors.Is(err, errs.ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}

	// payload swapped after signing; the forged payload is also expired and
	// has a foreign audience, but the signature must be rejected first
	good := strings.Split(sign(t, k, "k1", validClaims()), ".")
	forged := good[0] + "." + seg(`{"sub":"evil","aud":"x","exp":1}`) + "." + good[2]
	if _, err := v.Verify(context.Background(), forged); !errors.Is(err, errs.ErrBadSignature) {
		t.Fatalf("want ErrBadSignature before claim checks, got %v", err)
	}
}

func TestVerify_HeaderFailures(t *testing.T) {
	t.Parallel()

	k, _ := keys(t)
	v := newTestVerifier(t)
	payload := seg(`{"sub":"s","aud":"web-client","email":"a@b.c","exp":9999999999}`)

	hs, err := func() (string, error) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
		tok.Header["kid"] = "k1"
		return tok.SignedString([]byte("shared-secret"))
	}()
	if err != nil {
		t.Fatalf("sign HS256: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"two segments", "a.b", errs.ErrMalformedToken},
		{"four segments", "a.b.c.d", errs.ErrMalformedToken},
		{"empty", "", errs.ErrMalformedToken},
		{"header not base64", "!!!." + payload + ".sig", errs.ErrMalformedToken},
		{"header not json", seg("nope") + "." + payload + ".sig", errs.ErrMalformedToken},
		{"missing kid", sign(t, k, "", validClaims()), errs.ErrMissingKeyID},
		{"hs256", hs, errs.ErrUnsupportedAlgorithm},
		{"alg none", seg(`{"alg":"none","kid":"k1"}`) + "." + payload + ".", errs.ErrUnsupportedAlgorithm},
		{"alg missing", seg(`{"kid":"k1"}`) + "." + payload + ".sig", errs.ErrUnsupportedAlgorithm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Verify(context.Background(), tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerify_UnsupportedAlgorithmMessage(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	tok := seg(`{"alg":"ES256","kid":"k1"}`) + "." + seg(`{}`) + ".sig"

	_, err := v.Verify(context.Background(), tok)
	var uae *errs.UnsupportedAlgorithmError
	if !errors.As(err, &uae) {
		t.Fatalf("want UnsupportedAlgorithmError, got %T %v", err, err)
	}
	if err.Error() != "unsupported algorithm: ES256" {
		t.Fatalf("message: %q", err.Error())
	}
}
