// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/larder/migrations"
)

// Apply runs all pending migrations for dialect against db.
// Only goose.DialectPostgres and goose.DialectSQLite3 are supported.
func Apply(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys := migrations.Postgres()
	switch dialect {
	case goose.DialectPostgres:
	case goose.DialectSQLite3:
		fsys = migrations.SQLite()
	default:
		return fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}

	p, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Up runs all pending PostgreSQL migrations against dsn.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return Apply(ctx, db, goose.DialectPostgres)
}
