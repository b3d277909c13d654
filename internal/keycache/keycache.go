// Package keycache keeps the identity provider's RSA signing keys in memory.
//
// Keys are fetched from a JWKS endpoint and published as an immutable snapshot
// behind a single atomic pointer: readers never lock and never observe a
// partially updated set. A failed refresh leaves the previous snapshot in place.
package keycache

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/larder/internal/errs"
	"github.com/and161185/larder/internal/metrics"
)

const (
	// DefaultInterval matches the usual provider key rotation cadence.
	DefaultInterval = 6 * time.Hour

	defaultFetchTimeout = 10 * time.Second
	maxDocumentSize     = 1 << 20
)

// keySet is an immutable snapshot. It is never modified after publication.
type keySet struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// Cache holds the current signing key snapshot.
type Cache struct {
	url      string
	client   *http.Client
	log      *zap.Logger
	metrics  metrics.Recorder
	interval time.Duration
	timeout  time.Duration
	onDemand *rate.Limiter

	current atomic.Pointer[keySet]

	refreshMu  sync.Mutex  // single writer
	refreshing atomic.Bool // an on-demand refresh is in flight

	mu      sync.Mutex // guards ctx and started
	ctx     context.Context
	started bool
	wg      sync.WaitGroup // loop and on-demand refreshes
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(k *Cache) { k.client = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(k *Cache) { k.log = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option { return func(k *Cache) { k.metrics = m } }

// WithInterval sets the periodic refresh interval.
func WithInterval(d time.Duration) Option {
	return func(k *Cache) {
		if d > 0 {
			k.interval = d
		}
	}
}

// WithFetchTimeout bounds background fetches.
func WithFetchTimeout(d time.Duration) Option {
	return func(k *Cache) {
		if d > 0 {
			k.timeout = d
		}
	}
}

// WithOnDemandLimit throttles refreshes triggered by lookups of unknown key ids.
// A nil limiter disables on-demand refresh.
func WithOnDemandLimit(l *rate.Limiter) Option { return func(k *Cache) { k.onDemand = l } }

// New constructs a Cache for the JWKS document at url. No fetch happens until
// Start or Refresh is called.
func New(url string, opts ...Option) *Cache {
	c := &Cache{
		url:      url,
		client:   &http.Client{Timeout: defaultFetchTimeout},
		log:      zap.NewNop(),
		metrics:  metrics.Nop{},
		interval: DefaultInterval,
		timeout:  defaultFetchTimeout,
		onDemand: rate.NewLimiter(rate.Every(time.Minute), 1),
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start populates the cache in the background and keeps refreshing it every
// interval until ctx is cancelled. It returns immediately. Later calls are no-ops.
// On-demand refreshes triggered by lookups are bound to ctx as well.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.ctx = ctx
	c.wg.Add(1)
	go c.loop(ctx)
}

// Wait blocks until the loop started by Start and any on-demand refresh have exited.
func (c *Cache) Wait() { c.wg.Wait() }

func (c *Cache) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("jwks refresher started", zap.String("url", c.url), zap.Duration("interval", c.interval))
	c.refreshBounded(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("jwks refresher stopped")
			return
		case <-ticker.C:
			c.refreshBounded(ctx)
		}
	}
}

func (c *Cache) refreshBounded(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_ = c.Refresh(ctx)
}

// Refresh fetches the JWKS document and publishes a new snapshot. On failure the
// current snapshot is kept; the error is logged and returned for information only.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := time.Now()
	keys, err := c.fetch(ctx)
	if err != nil {
		c.metrics.KeyRefresh(false, 0, time.Since(start))
		c.log.Warn("jwks refresh failed; keeping previous keys",
			zap.String("url", c.url),
			zap.Int("cached", c.Len()),
			zap.Error(err),
		)
		return err
	}

	c.current.Store(&keySet{keys: keys, fetchedAt: time.Now()})
	c.metrics.KeyRefresh(true, len(keys), time.Since(start))
	c.log.Info("jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("dur", time.Since(start)))
	return nil
}

// Lookup returns the key for kid from the current snapshot. It never blocks on
// the network; a miss may schedule a throttled background refresh.
func (c *Cache) Lookup(kid string) (*rsa.PublicKey, error) {
	ks := c.current.Load()
	if ks == nil {
		c.triggerRefresh()
		return nil, errs.ErrKeysNotCached
	}
	key, ok := ks.keys[kid]
	if !ok {
		c.triggerRefresh()
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownKey, kid)
	}
	return key, nil
}

// Len reports the number of keys in the current snapshot.
func (c *Cache) Len() int {
	if ks := c.current.Load(); ks != nil {
		return len(ks.keys)
	}
	return 0
}

// FetchedAt reports when the current snapshot was published; zero before the first success.
func (c *Cache) FetchedAt() time.Time {
	if ks := c.current.Load(); ks != nil {
		return ks.fetchedAt
	}
	return time.Time{}
}

func (c *Cache) triggerRefresh() {
	if c.onDemand == nil || !c.onDemand.Allow() {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	ctx := c.ctx
	if ctx.Err() != nil {
		c.mu.Unlock()
		c.refreshing.Store(false)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.refreshing.Store(false)
		c.refreshBounded(ctx)
	}()
}

type jwksDocument struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *Cache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
		return nil, fmt.Errorf("jwks request: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := k.rsaKey()
		if err != nil {
			c.log.Debug("jwks entry skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		if _, dup := keys[k.Kid]; dup {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errs.ErrEmptyKeySet
	}
	return keys, nil
}

func (k jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	if k.Kty != "" && k.Kty != "RSA" {
		return nil, fmt.Errorf("key type %q", k.Kty)
	}
	if k.Kid == "" || k.N == "" || k.E == "" {
		return nil, fmt.Errorf("missing kid/n/e")
	}
	n, err := decodeUint(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := decodeUint(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("modulus is zero")
	}
	if !e.IsInt64() || e.Int64() < 2 || e.Int64() > math.MaxInt32 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// decodeUint reads a base64url unsigned big-endian integer. Padding is tolerated.
func decodeUint(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
