// Package grpcserver exposes the larder AuthService gRPC handlers.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/larder/internal/api/authv1"
	"github.com/and161185/larder/internal/convert"
	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/limiter"
	"github.com/and161185/larder/internal/service"
)

// Server wires the session service into gRPC handlers.
type Server struct {
	authv1.UnimplementedAuthServiceServer
	sessions service.SessionService
	lim      limiter.Limiter
	log      *zap.Logger
}

// New constructs a gRPC server with injected services.
func New(sessions service.SessionService, lim limiter.Limiter, log *zap.Logger) *Server {
	if lim == nil {
		lim = limiter.Disabled{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{sessions: sessions, lim: lim, log: log}
}

var (
	errAuthFailed  = status.Error(codes.Unauthenticated, "authentication failed")
	errInternal    = status.Error(codes.Internal, "internal error")
	errRateLimited = status.Error(codes.ResourceExhausted, "rate limited")
)

// SignIn exchanges an identity token for a token pair.
func (s *Server) SignIn(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	tok := strings.TrimSpace(req.GetValue())
	if tok == "" {
		return nil, status.Error(codes.InvalidArgument, "empty identity token")
	}
	ipHash := limiter.HashIP(remoteIP(ctx))
	if err := s.allow(ctx, limiter.ScopeSignIn, ipHash); err != nil {
		return nil, err
	}

	tokens, err := s.sessions.SignIn(ctx, tok)
	if err != nil {
		return nil, s.authError(ctx, limiter.ScopeSignIn, ipHash, err)
	}
	s.reset(ctx, limiter.ScopeSignIn, ipHash)
	return convert.ToProtoTokens(tokens), nil
}

// Refresh rotates a refresh token.
func (s *Server) Refresh(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	tok := strings.TrimSpace(req.GetValue())
	if tok == "" {
		return nil, status.Error(codes.InvalidArgument, "empty refresh token")
	}
	ipHash := limiter.HashIP(remoteIP(ctx))
	if err := s.allow(ctx, limiter.ScopeRefresh, ipHash); err != nil {
		return nil, err
	}

	tokens, err := s.sessions.Refresh(ctx, tok)
	if err != nil {
		return nil, s.authError(ctx, limiter.ScopeRefresh, ipHash, err)
	}
	s.reset(ctx, limiter.ScopeRefresh, ipHash)
	return convert.ToProtoTokens(tokens), nil
}

// Logout revokes a refresh token. Unknown tokens are accepted.
func (s *Server) Logout(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.sessions.Logout(ctx, strings.TrimSpace(req.GetValue())); err != nil {
		return nil, s.internal(ctx, "logout", err)
	}
	return &emptypb.Empty{}, nil
}

// WhoAmI returns the user id carried by the bearer access token.
func (s *Server) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	id, ok := UserIDFromCtx(ctx)
	if !ok {
		return nil, errAuthFailed
	}
	return wrapperspb.String(id.String()), nil
}

func (s *Server) allow(ctx context.Context, scope string, ipHash []byte) error {
	ok, retry, err := s.lim.Allow(ctx, scope, ipHash)
	if err != nil {
		return s.internal(ctx, "limiter", err)
	}
	if !ok {
		s.retryAfter(ctx, retry)
		return errRateLimited
	}
	return nil
}

// authError maps a session error onto a status, counting authentication failures.
// A token rejected only because signing keys are not cached yet is not the
// caller's fault and does not count toward the lockout.
func (s *Server) authError(ctx context.Context, scope string, ipHash []byte, err error) error {
	switch {
	case keysUnavailable(err):
		s.log.Warn("signing key unavailable", zap.String("scope", scope), zap.Error(err))
		return errAuthFailed
	case errors.Is(err, errs.ErrUnauthorized):
		s.log.Info("authentication failed", zap.String("scope", scope), zap.Error(err))
		blocked, retry, ferr := s.lim.Failure(ctx, scope, ipHash)
		if ferr != nil {
			s.log.Warn("limiter failure not recorded", zap.Error(ferr))
		}
		if blocked {
			s.retryAfter(ctx, retry)
			return errRateLimited
		}
		return errAuthFailed
	case errors.Is(err, errs.ErrRateLimited):
		return errRateLimited
	default:
		return s.internal(ctx, scope, err)
	}
}

func keysUnavailable(err error) bool {
	return errors.Is(err, errs.ErrKeyNotAvailable) &&
		(errors.Is(err, errs.ErrKeysNotCached) || errors.Is(err, errs.ErrUnknownKey))
}

func (s *Server) reset(ctx context.Context, scope string, ipHash []byte) {
	if err := s.lim.Success(ctx, scope, ipHash); err != nil {
		s.log.Warn("limiter reset failed", zap.String("scope", scope), zap.Error(err))
	}
}

func (s *Server) internal(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return status.FromContextError(ctxErr).Err()
	}
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	return errInternal
}

func (s *Server) retryAfter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int64((d + time.Second - 1) / time.Second)
	_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.FormatInt(secs, 10)))
}

// remoteIP returns the caller address without its port.
func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
