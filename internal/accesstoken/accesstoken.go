// Package accesstoken mints and parses the short-lived HS256 access tokens
// handed out by the session layer.
package accesstoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/larder/internal/errs"
)

// DefaultLeeway is the clock skew tolerated when parsing.
const DefaultLeeway = 30 * time.Second

// Issuer signs access tokens for user ids.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer constructs an Issuer. key must not be empty.
func NewIssuer(key []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(key) == 0 {
		return nil, errors.New("accesstoken: empty signing key")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("accesstoken: invalid ttl %s", ttl)
	}
	return &Issuer{key: key, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of minted tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Mint creates a signed HS256 JWT for the given subject.
func (i *Issuer) Mint(userID uuid.UUID) (string, time.Time, error) {
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    i.issuer,
		ID:        jti.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse validates token and returns its subject. Any failure matches errs.ErrUnauthorized.
func (i *Issuer) Parse(token string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(DefaultLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", errs.ErrUnauthorized, err)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id, nil
}
