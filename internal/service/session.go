// Package service contains the session issuer: sign-in with a federated
// identity token, refresh-token rotation and logout.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/larder/internal/accesstoken"
	pkgcrypto "github.com/and161185/larder/internal/crypto"
	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/metrics"
	"github.com/and161185/larder/internal/model"
	"github.com/and161185/larder/internal/repository"
)

// SessionService defines the session lifecycle operations.
type SessionService interface {
	// SignIn verifies an identity token and issues a fresh token pair.
	SignIn(ctx context.Context, identityToken string) (model.Tokens, error)
	// Refresh rotates a refresh token and issues a new pair.
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
	// Logout revokes a refresh token. Unknown tokens are not an error.
	Logout(ctx context.Context, refreshToken string) error
}

// Verifier checks third-party identity tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.IdentityProfile, error)
}

// Option customizes SessionServiceImpl.
type Option func(*SessionServiceImpl)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *SessionServiceImpl) { s.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *SessionServiceImpl) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SessionServiceImpl) { s.now = now }
}

// WithSecretLen sets the refresh secret length in random bytes.
func WithSecretLen(n int) Option {
	return func(s *SessionServiceImpl) { s.secretLen = n }
}

type SessionServiceImpl struct {
	verifier   Verifier
	users      repository.UserRepository
	tokens     repository.RefreshTokenRepository
	access     *accesstoken.Issuer
	refreshTTL time.Duration
	secretLen  int

	log     *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

var _ SessionService = (*SessionServiceImpl)(nil)

// NewSessionService constructs SessionService with required dependencies.
func NewSessionService(
	verifier Verifier,
	users repository.UserRepository,
	tokens repository.RefreshTokenRepository,
	access *accesstoken.Issuer,
	refreshTTL time.Duration,
	opts ...Option,
) *SessionServiceImpl {
	s := &SessionServiceImpl{
		verifier:   verifier,
		users:      users,
		tokens:     tokens,
		access:     access,
		refreshTTL: refreshTTL,
		secretLen:  32,
		log:        zap.NewNop(),
		metrics:    metrics.Nop{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SignIn verifies the identity token, links it to a user and issues tokens.
func (s *SessionServiceImpl) SignIn(ctx context.Context, identityToken string) (model.Tokens, error) {
	profile, err := s.verifier.Verify(ctx, identityToken)
	if err != nil {
		s.log.Info("sign-in rejected", zap.Error(err))
		s.metrics.Session(metrics.OpSignIn, metrics.ResultRejected)
		return model.Tokens{}, fmt.Errorf("%w: %w", errs.ErrUnauthorized, err)
	}

	u, err := s.users.FindOrCreateByIdentity(ctx, profile)
	if err != nil {
		return model.Tokens{}, s.fail(metrics.OpSignIn, err)
	}

	secret, err := pkgcrypto.NewRefreshSecret(s.secretLen)
	if err != nil {
		return model.Tokens{}, s.fail(metrics.OpSignIn, err)
	}
	rec, err := s.tokens.Issue(ctx, u.ID, pkgcrypto.HashToken(secret), s.now().Add(s.refreshTTL))
	if err != nil {
		return model.Tokens{}, s.fail(metrics.OpSignIn, err)
	}

	tokens, err := s.pair(u.ID, secret, rec.ExpiresAt)
	if err != nil {
		return model.Tokens{}, s.fail(metrics.OpSignIn, err)
	}
	s.log.Info("signed in", zap.String("user_id", u.ID.String()))
	s.metrics.Session(metrics.OpSignIn, metrics.ResultOK)
	return tokens, nil
}

// Refresh consumes refreshToken and issues a new pair for the same user.
func (s *SessionServiceImpl) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	if refreshToken == "" {
		s.metrics.Session(metrics.OpRefresh, metrics.ResultRejected)
		return model.Tokens{}, fmt.Errorf("%w: %w", errs.ErrUnauthorized, errs.ErrInvalidRefreshToken)
	}

	secret, err := pkgcrypto.NewRefreshSecret(s.secretLen)
	if err != nil {
		return model.Tokens{}, s.fail(metrics.OpRefresh, err)
	}
	now := s.now()
	rec, ok, err := s.tokens.Rotate(ctx,
		pkgcrypto.HashToken(refreshToken), pkgcrypto.HashToken(secret), now.Add(s.refreshTTL), now)
	if err != nil {
		return model.Tokens{}, s.fail(metrics.OpRefresh, err)
	}
	if !ok {
		s.metrics.Session(metrics.OpRefresh, metrics.ResultRejected)
		return model.Tokens{}, fmt.Errorf("%w: %w", errs.ErrUnauthorized, errs.ErrInvalidRefreshToken)
	}

	tokens, err := s.pair(rec.UserID, secret, rec.ExpiresAt)
	if err != nil {
		return model.Tokens{}, s.fail(metrics.OpRefresh, err)
	}
	s.log.Debug("refresh token rotated", zap.String("user_id", rec.UserID.String()))
	s.metrics.Session(metrics.OpRefresh, metrics.ResultOK)
	return tokens, nil
}

// Logout revokes refreshToken. It is idempotent.
func (s *SessionServiceImpl) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		s.metrics.Session(metrics.OpLogout, metrics.ResultOK)
		return nil
	}
	removed, err := s.tokens.Revoke(ctx, pkgcrypto.HashToken(refreshToken))
	if err != nil {
		return s.fail(metrics.OpLogout, err)
	}
	s.log.Debug("logout", zap.Bool("revoked", removed))
	s.metrics.Session(metrics.OpLogout, metrics.ResultOK)
	return nil
}

func (s *SessionServiceImpl) pair(userID uuid.UUID, refresh string, refreshExp time.Time) (model.Tokens, error) {
	access, exp, err := s.access.Mint(userID)
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        exp,
		RefreshExpiresAt: refreshExp,
		UserID:           userID,
	}, nil
}

func (s *SessionServiceImpl) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Error("session operation failed", zap.String("op", op), zap.Error(err))
	s.metrics.Session(op, metrics.ResultError)
	return fmt.Errorf("%s: %w", op, err)
}
