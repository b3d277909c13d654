// Package crypto implements refresh secret generation and one-way hashing.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MinSecretLen is the smallest accepted refresh secret length in bytes.
const MinSecretLen = 16

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewRefreshSecret returns a random URL-safe secret built from n random bytes.
func NewRefreshSecret(n int) (string, error) {
	if n < MinSecretLen {
		return "", fmt.Errorf("refresh secret length %d below minimum %d", n, MinSecretLen)
	}
	b, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the BLAKE2b-256 digest of a token secret. Only this value is stored.
func HashToken(secret string) []byte {
	sum := blake2b.Sum256([]byte(secret))
	return sum[:]
}
