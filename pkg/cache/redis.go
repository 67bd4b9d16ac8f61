package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisScanBatch = 500

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key so Clear and Len only touch this
	// service's entries.
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisBackend is a Backend on Redis. Expiry is native (SET with PX), so
// expired keys are never returned and never counted.
type RedisBackend struct {
	redisClient *redis.Client
	prefix      string
	logger      zerolog.Logger
}

// NewRedisBackend creates and connects a RedisBackend.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisBackend(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("key_prefix", cfg.KeyPrefix).Msg("Successfully connected to Redis.")

	return &RedisBackend{
		redisClient: rdb,
		prefix:      cfg.KeyPrefix,
		logger:      logger.With().Str("component", "RedisBackend").Logger(),
	}, nil
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) namespaced(key string) string {
	return r.prefix + key
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.redisClient.Get(ctx, r.namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get for %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.redisClient.Set(ctx, r.namespaced(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set for %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.redisClient.Del(ctx, r.namespaced(key)).Err(); err != nil {
		return fmt.Errorf("redis del for %s: %w", key, err)
	}
	return nil
}

// Clear deletes every key under the prefix, one SCAN batch at a time.
func (r *RedisBackend) Clear(ctx context.Context) error {
	deleted := 0
	err := r.scan(ctx, func(keys []string) error {
		if err := r.redisClient.Del(ctx, keys...).Err(); err != nil {
			return err
		}
		deleted += len(keys)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	r.logger.Debug().Int("deleted", deleted).Msg("Cleared Redis cache keys.")
	return nil
}

// Len counts the keys under the prefix.
func (r *RedisBackend) Len(ctx context.Context) (int, error) {
	n := 0
	err := r.scan(ctx, func(keys []string) error {
		n += len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis len: %w", err)
	}
	return n, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.redisClient.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (r *RedisBackend) Close() error {
	if r.redisClient != nil {
		r.logger.Info().Msg("Closing Redis client connection...")
		return r.redisClient.Close()
	}
	return nil
}

func (r *RedisBackend) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.redisClient.Scan(ctx, cursor, r.prefix+"*", redisScanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
