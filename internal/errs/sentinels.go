// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication. Every identity-token and
	// refresh-token failure returned by the session layer matches it.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary lock due to repeated failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidRefreshToken indicates an unknown, expired or already consumed refresh token.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// Identity token verification failures.
var (
	ErrMalformedToken       = errors.New("malformed token")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrMissingKeyID         = errors.New("missing key id")
	ErrKeyNotAvailable      = errors.New("key not available")
	ErrBadSignature         = errors.New("bad signature")
	ErrExpiryMissing        = errors.New("expiry missing")
	ErrTokenExpired         = errors.New("token expired")
	ErrAudienceMissing      = errors.New("audience missing")
	ErrAudienceMismatch     = errors.New("audience mismatch")
	ErrSubjectMissing       = errors.New("subject missing")
	ErrEmailMissing         = errors.New("email missing")
)

// Signing key cache failures.
var (
	// ErrKeysNotCached is returned by lookups before the first successful refresh.
	ErrKeysNotCached = errors.New("not cached yet")

	// ErrUnknownKey is returned when the current key set has no such kid.
	ErrUnknownKey = errors.New("unknown key")

	// ErrEmptyKeySet indicates a JWKS document without a single usable key.
	ErrEmptyKeySet = errors.New("empty key set")
)

// UnsupportedAlgorithmError carries the rejected alg header value.
type UnsupportedAlgorithmError struct {
	Alg string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return "unsupported algorithm: " + e.Alg
}

// Is makes errors.Is(err, ErrUnsupportedAlgorithm) hold.
func (e *UnsupportedAlgorithmError) Is(target error) bool {
	return target == ErrUnsupportedAlgorithm
}
