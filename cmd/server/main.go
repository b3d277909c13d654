// Command larder-auth starts the larder authentication gRPC server.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/larder/internal/accesstoken"
	"github.com/and161185/larder/internal/api/authv1"
	"github.com/and161185/larder/internal/config"
	"github.com/and161185/larder/internal/idtoken"
	"github.com/and161185/larder/internal/keycache"
	"github.com/and161185/larder/internal/metrics"
	grpcserver "github.com/and161185/larder/internal/server/grpc"
	"github.com/and161185/larder/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, opens storage, and serves AuthService until SIGINT/SIGTERM.
func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		// logger is not configured yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer store.close()

	// Metrics
	reg := prometheus.NewRegistry()
	rec := metrics.NewCollector(reg)

	// Signing keys: first population happens in the background
	keys := keycache.New(cfg.JWKSURL,
		keycache.WithLogger(logger.Named("jwks")),
		keycache.WithMetrics(rec),
		keycache.WithInterval(cfg.JWKSRefreshInterval()),
	)
	keys.Start(ctx)

	access, err := accesstoken.NewIssuer([]byte(cfg.SigningSecret), cfg.Issuer, cfg.AccessTTL())
	if err != nil {
		logger.Fatal("access token issuer", zap.Error(err))
	}
	logger.Info("token lifetimes",
		zap.Duration("access", access.TTL()),
		zap.Duration("refresh", cfg.RefreshTTL()),
	)

	// Services
	sessions := service.NewSessionService(
		idtoken.NewVerifier(keys, cfg.Audiences),
		store.users, store.tokens, access, cfg.RefreshTTL(),
		service.WithLogger(logger.Named("session")),
		service.WithMetrics(rec),
		service.WithSecretLen(cfg.RefreshSecretBytes),
	)

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary(access, authv1.MethodWhoAmI),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled; serving plaintext gRPC")
	}
	s := grpc.NewServer(opts...)

	// App service
	authv1.RegisterAuthServiceServer(s, grpcserver.New(sessions, store.limiter, logger))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(authv1.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	ready := readiness{
		hs:    hs,
		keys:  keys,
		ping:  store.ping,
		stale: 2 * cfg.JWKSRefreshInterval(),
		log:   logger.Named("health"),
	}
	go ready.run(ctx, 15*time.Second)
	if cfg.Dev {
		reflection.Register(s)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	exitCode := 0
	select {
	case <-ctx.Done():
		hs.Shutdown()
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
		stop()
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	keys.Wait()

	logger.Info("shutdown complete")
	if exitCode != 0 {
		store.close()
		os.Exit(exitCode)
	}
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}
