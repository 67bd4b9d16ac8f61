// Package cache provides the shared TTL key-value cache used by the board
// clients, the tracking engine and the prefetch coordinator.
//
// A TTLCache wraps one Backend (memory, redis, postgres or firestore) and turns
// every backend failure into a miss or a dropped write so callers always fall
// through to the upstream fetch path.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrMiss is returned by a Backend when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the fail-open cache contract consumed by the rest of the service.
// None of its methods return errors.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
	Size(ctx context.Context) int
}

// Backend is a raw storage engine. Unlike Store it reports failures, and Get
// returns ErrMiss for absent or expired keys.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config holds the TTLCache settings.
type Config struct {
	DefaultTTL time.Duration
	// OpTimeout bounds every backend round-trip.
	OpTimeout time.Duration
}

// TTLCache implements Store over a Backend.
type TTLCache struct {
	backend    Backend
	defaultTTL time.Duration
	opTimeout  time.Duration
	logger     zerolog.Logger
}

// New creates a TTLCache. Zero values in cfg fall back to a 60s TTL and a 5s
// operation timeout.
func New(backend Backend, cfg Config, logger zerolog.Logger) *TTLCache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &TTLCache{
		backend:    backend,
		defaultTTL: cfg.DefaultTTL,
		opTimeout:  cfg.OpTimeout,
		logger:     logger.With().Str("component", "TTLCache").Str("backend", backend.Name()).Logger(),
	}
}

// Get returns the value for key. Expired entries and backend failures are both
// reported as a miss.
func (c *TTLCache) Get(ctx context.Context, key string) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	value, err := c.backend.Get(opCtx, key)
	if err == nil {
		metrics.CacheRequests.WithLabelValues(c.backend.Name(), "hit").Inc()
		return value, true
	}
	if errors.Is(err, ErrMiss) {
		metrics.CacheRequests.WithLabelValues(c.backend.Name(), "miss").Inc()
		return nil, false
	}
	metrics.CacheRequests.WithLabelValues(c.backend.Name(), "error").Inc()
	metrics.CacheBackendErrors.WithLabelValues(c.backend.Name(), "get").Inc()
	c.logger.Warn().Err(err).Str("key", key).Msg("Cache backend unavailable, treating as miss.")
	return nil, false
}

// Set stores value under key, overwriting any existing entry and restarting
// its expiry. A ttl <= 0 uses the default TTL. Failures are logged and dropped.
// Writes are not abandoned when the caller's context is cancelled.
func (c *TTLCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()

	if err := c.backend.Set(opCtx, key, value, ttl); err != nil {
		metrics.CacheBackendErrors.WithLabelValues(c.backend.Name(), "set").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed, dropping.")
	}
}

// Delete removes key. Failures are logged and dropped.
func (c *TTLCache) Delete(ctx context.Context, key string) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()

	if err := c.backend.Delete(opCtx, key); err != nil {
		metrics.CacheBackendErrors.WithLabelValues(c.backend.Name(), "delete").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache delete failed.")
	}
}

// Clear removes every entry. Failures are logged and dropped.
func (c *TTLCache) Clear(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()

	if err := c.backend.Clear(opCtx); err != nil {
		metrics.CacheBackendErrors.WithLabelValues(c.backend.Name(), "clear").Inc()
		c.logger.Warn().Err(err).Msg("Cache clear failed.")
	}
}

// Size returns the number of live entries, or 0 if the backend fails.
func (c *TTLCache) Size(ctx context.Context) int {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	n, err := c.backend.Len(opCtx)
	if err != nil {
		metrics.CacheBackendErrors.WithLabelValues(c.backend.Name(), "len").Inc()
		c.logger.Warn().Err(err).Msg("Cache size unavailable.")
		return 0
	}
	return n
}

// DefaultTTL returns the TTL applied when Set is called with ttl <= 0.
func (c *TTLCache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// BackendName returns the name of the wrapped backend.
func (c *TTLCache) BackendName() string {
	return c.backend.Name()
}

// Name identifies the cache in health reports.
func (c *TTLCache) Name() string {
	return "cache:" + c.backend.Name()
}

// Check pings the backend. Unlike the Store methods it reports failures.
func (c *TTLCache) Check(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.backend.Ping(opCtx)
}

// Close releases the backend.
func (c *TTLCache) Close() error {
	c.logger.Info().Msg("Closing cache backend...")
	return c.backend.Close()
}

// GetJSON decodes the cached value at key into a T. A value that no longer
// decodes is treated as a miss.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool) {
	var zero T
	raw, ok := s.Get(ctx, key)
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false
	}
	return v, true
}

// SetJSON encodes v and stores it at key. Values that fail to encode are not
// cached.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.Set(ctx, key, raw, ttl)
}
