//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/limiter"
	"github.com/and161185/larder/internal/migrate"
	"github.com/and161185/larder/internal/model"
)

func startPostgres(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	c, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("larder"),
		tcpostgres.WithUsername("larder"),
		tcpostgres.WithPassword("larder"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrate.Up(ctx, dsn))

	db, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestIntegration_CredentialStore(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	users := NewUserRepo(db)
	tokens := NewTokenRepo(db)

	p := model.IdentityProfile{Subject: "sub-1", Email: "ann@example.com", Name: "Ann"}
	first, err := users.FindOrCreateByIdentity(ctx, p)
	require.NoError(t, err)

	p.Name, p.Picture = "Ann B", "https://img/ann.png"
	second, err := users.FindOrCreateByIdentity(ctx, p)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	got, err := users.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "Ann B", got.Name)
	require.Equal(t, "https://img/ann.png", *got.AvatarURL)

	_, err = users.GetByID(ctx, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err = tokens.Issue(ctx, first.ID, []byte("edge"), now)
	require.NoError(t, err)
	_, err = tokens.FindValid(ctx, []byte("edge"), now)
	require.ErrorIs(t, err, errs.ErrNotFound, "expiry equal to now is invalid")

	_, err = tokens.Issue(ctx, first.ID, []byte("old"), now.Add(time.Hour))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := tokens.Rotate(ctx, []byte("old"), []byte{'n', byte(i)}, now.Add(2*time.Hour), now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)

	var n int
	require.NoError(t, db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM refresh_tokens WHERE user_id=$1 AND expires_at > $2`, first.ID, now).Scan(&n))
	require.Equal(t, 1, n)
}

func TestIntegration_Limiter(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	l := limiter.NewPG(db.Pool, time.Minute, 2, time.Minute)
	ip := limiter.HashIP("10.0.0.1")

	blocked, _, err := l.Failure(ctx, limiter.ScopeSignIn, ip)
	require.NoError(t, err)
	require.False(t, blocked)
	blocked, _, err = l.Failure(ctx, limiter.ScopeSignIn, ip)
	require.NoError(t, err)
	require.True(t, blocked)

	ok, retry, err := l.Allow(ctx, limiter.ScopeSignIn, ip)
	require.NoError(t, err)
	require.False(t, ok)
	require.Positive(t, retry)

	ok, _, err = l.Allow(ctx, limiter.ScopeRefresh, ip)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Success(ctx, limiter.ScopeSignIn, ip))
	ok, _, err = l.Allow(ctx, limiter.ScopeSignIn, ip)
	require.NoError(t, err)
	require.True(t, ok)
}
