// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/and161185/larder/internal/crypto"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Config holds every server setting.
type Config struct {
	Addr        string `env:"LARDER_AUTH_ADDR"         envDefault:":8443"`
	MetricsAddr string `env:"LARDER_AUTH_METRICS_ADDR" envDefault:":9090"`

	Storage     string `env:"LARDER_AUTH_STORAGE"      envDefault:"postgres"`
	DatabaseDSN string `env:"LARDER_AUTH_DATABASE_DSN"`
	SQLitePath  string `env:"LARDER_AUTH_SQLITE_PATH"  envDefault:"larder-auth.db"`

	SigningSecret string   `env:"LARDER_AUTH_SIGNING_SECRET"`
	Issuer        string   `env:"LARDER_AUTH_ISSUER"    envDefault:"larder"`
	Audiences     []string `env:"LARDER_AUTH_AUDIENCES" envSeparator:","`
	JWKSURL       string   `env:"LARDER_AUTH_JWKS_URL"  envDefault:"https://www.googleapis.com/oauth2/v3/certs"`

	AccessTTLMinutes   int `env:"LARDER_AUTH_ACCESS_TTL_MINUTES"   envDefault:"15"`
	RefreshTTLDays     int `env:"LARDER_AUTH_REFRESH_TTL_DAYS"     envDefault:"30"`
	RefreshSecretBytes int `env:"LARDER_AUTH_REFRESH_SECRET_BYTES" envDefault:"32"`
	JWKSRefreshHours   int `env:"LARDER_AUTH_JWKS_REFRESH_HOURS"   envDefault:"6"`

	LimitMaxFails int           `env:"LARDER_AUTH_LIMIT_MAX_FAILS" envDefault:"5"`
	LimitWindow   time.Duration `env:"LARDER_AUTH_LIMIT_WINDOW"    envDefault:"15m"`
	LimitBlock    time.Duration `env:"LARDER_AUTH_LIMIT_BLOCK"     envDefault:"15m"`

	TLSCert string `env:"LARDER_AUTH_TLS_CERT"`
	TLSKey  string `env:"LARDER_AUTH_TLS_KEY"`

	Dev bool `env:"LARDER_AUTH_DEV" envDefault:"false"`
}

// Load reads envFile when it exists, then parses the environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Audiences = compact(cfg.Audiences)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects missing or inconsistent settings.
func (c *Config) Validate() error {
	var problems []error
	if c.SigningSecret == "" {
		problems = append(problems, errors.New("LARDER_AUTH_SIGNING_SECRET is required"))
	}
	if len(c.Audiences) == 0 {
		problems = append(problems, errors.New("LARDER_AUTH_AUDIENCES is required"))
	}
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseDSN == "" {
			problems = append(problems, errors.New("LARDER_AUTH_DATABASE_DSN is required for postgres storage"))
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			problems = append(problems, errors.New("LARDER_AUTH_SQLITE_PATH is required for sqlite storage"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown LARDER_AUTH_STORAGE %q", c.Storage))
	}
	if c.JWKSURL == "" {
		problems = append(problems, errors.New("LARDER_AUTH_JWKS_URL is required"))
	}
	if c.AccessTTLMinutes <= 0 || c.RefreshTTLDays <= 0 || c.JWKSRefreshHours <= 0 {
		problems = append(problems, errors.New("lifetimes and refresh interval must be positive"))
	}
	if c.RefreshSecretBytes < crypto.MinSecretLen {
		problems = append(problems, fmt.Errorf("LARDER_AUTH_REFRESH_SECRET_BYTES must be at least %d", crypto.MinSecretLen))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, errors.New("LARDER_AUTH_TLS_CERT and LARDER_AUTH_TLS_KEY must be set together"))
	}
	return errors.Join(problems...)
}

// AccessTTL returns the access-token lifetime.
func (c *Config) AccessTTL() time.Duration { return time.Duration(c.AccessTTLMinutes) * time.Minute }

// RefreshTTL returns the refresh-token lifetime.
func (c *Config) RefreshTTL() time.Duration { return time.Duration(c.RefreshTTLDays) * 24 * time.Hour }

// JWKSRefreshInterval returns the periodic key refresh interval.
func (c *Config) JWKSRefreshInterval() time.Duration {
	return time.Duration(c.JWKSRefreshHours) * time.Hour
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
