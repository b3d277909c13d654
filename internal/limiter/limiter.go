// Package limiter defines interfaces and implementations for sign-in rate limiting.
package limiter

import (
	"context"
	"time"
)

// Scopes keep sign-in and refresh failures counted apart.
const (
	ScopeSignIn  = "signin"
	ScopeRefresh = "refresh"
)

// Limiter controls authentication attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and optional retry-after.
	Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful attempt.
	Success(ctx context.Context, scope string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
}

// Disabled never blocks. Used with storage backends that have no limiter table.
type Disabled struct{}

func (Disabled) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	return true, 0, nil
}

func (Disabled) Success(context.Context, string, []byte) error { return nil }

func (Disabled) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
