package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/larder/internal/config"
	"github.com/and161185/larder/internal/limiter"
	"github.com/and161185/larder/internal/migrate"
	"github.com/and161185/larder/internal/repository"
	"github.com/and161185/larder/internal/repository/postgres"
	"github.com/and161185/larder/internal/repository/sqlite"
)

// storage bundles the repositories of the configured backend.
type storage struct {
	users   repository.UserRepository
	tokens  repository.RefreshTokenRepository
	limiter limiter.Limiter
	ping    func(context.Context) error
	close   func()
}

func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		if err := migrate.Up(ctx, cfg.DatabaseDSN); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return &storage{
			users:   postgres.NewUserRepo(db),
			tokens:  postgres.NewTokenRepo(db),
			limiter: limiter.NewPG(db.Pool, cfg.LimitWindow, cfg.LimitMaxFails, cfg.LimitBlock),
			ping:    db.Ping,
			close:   db.Close,
		}, nil

	case config.StorageSQLite:
		s, err := sqlite.New(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("sqlite storage; sign-in limiter disabled", zap.String("path", cfg.SQLitePath))
		return &storage{
			users:   sqlite.NewUserRepo(s),
			tokens:  sqlite.NewTokenRepo(s),
			limiter: limiter.Disabled{},
			ping:    s.Ping,
			close:   func() { _ = s.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}
