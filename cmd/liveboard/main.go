// Command liveboard serves the live board API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-liveboard/pkg/boardapi"
	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/illmade-knight/go-liveboard/pkg/config"
	"github.com/illmade-knight/go-liveboard/pkg/prefetch"
	"github.com/illmade-knight/go-liveboard/pkg/rail"
	"github.com/illmade-knight/go-liveboard/pkg/tfl"
	"github.com/illmade-knight/go-liveboard/pkg/tracking"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", os.Getenv("LIVEBOARD_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(config.Sources{ConfigFile: *configFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Live board exited with an error.")
	}
	logger.Info().Msg("Live board exited.")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, release, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create %s cache backend: %w", cfg.Cache.Backend, err)
	}
	defer release()
	store := cache.New(backend, cache.Config{DefaultTTL: cfg.Cache.TTL, OpTimeout: cfg.Cache.OpTimeout}, logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close cache backend.")
		}
	}()

	railClient := rail.NewClient(rail.Config{
		BaseURL:           cfg.Rail.BaseURL,
		APIKey:            cfg.Rail.APIKey,
		NumRows:           cfg.Rail.NumRows,
		TimeWindow:        cfg.Rail.TimeWindow,
		BoardTTL:          cfg.Cache.TTL,
		DetailTTLCap:      cfg.Cache.DetailTTLCap,
		Timeout:           cfg.Rail.Timeout,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
		UserAgent:         cfg.Upstream.UserAgent,
	}, store, logger)
	defer railClient.Close()

	tflClient := tfl.NewClient(tfl.Config{
		BaseURL:           cfg.Tfl.BaseURL,
		AppKey:            cfg.Tfl.AppKey,
		AppID:             cfg.Tfl.AppID,
		Modes:             cfg.Tfl.Modes,
		BoardTTL:          cfg.Cache.TTL,
		Timeout:           cfg.Tfl.Timeout,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
		UserAgent:         cfg.Upstream.UserAgent,
	}, store, logger)
	defer tflClient.Close()

	if cfg.Rail.APIKey == "" {
		logger.Warn().Msg("Rail API key not configured; set RAIL_API_KEY or create a 'key' file.")
	}
	if cfg.Tfl.AppKey == "" {
		logger.Warn().Msg("TfL app key not configured; set TFL_APP_KEY/TFL_API_KEY or create a 'tfl_key' file.")
	}

	follower := tracking.NewFollower(railClient, store, tracking.FollowerConfig{}, logger)
	resolver := tracking.NewResolver(tflClient, store, logger)

	coordinator := prefetch.New(prefetch.Config{
		Enabled:        cfg.Prefetch.Enabled,
		MaxConcurrency: cfg.Prefetch.MaxConcurrency,
		JobTimeout:     cfg.Prefetch.JobTimeout,
	}, prefetch.Dependencies{
		RailBoards: railClient,
		Follower:   follower,
		TflBoards:  tflClient,
		Resolver:   resolver,
	}, logger)

	server := boardapi.NewServer(boardapi.Config{
		HTTPPort:          cfg.HTTPPort,
		CacheBackend:      store.BackendName(),
		CacheTTL:          cfg.Cache.TTL,
		RailKeyConfigured: cfg.Rail.APIKey != "",
		TflKeyConfigured:  cfg.Tfl.AppKey != "",
	}, boardapi.Dependencies{
		Rail:     railClient,
		Tfl:      tflClient,
		Follower: follower,
		Resolver: resolver,
		Prefetch: coordinator,
		Cache:    store,
	}, logger)
	server.AddHealthCheck(store, railClient, tflClient)

	if err := server.Start(); err != nil {
		return err
	}
	logger.Info().
		Str("port", server.GetHTTPPort()).
		Str("cache_backend", store.BackendName()).
		Bool("prefetch", coordinator.Enabled()).
		Msg("Live board started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed.")
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Prefetch jobs did not finish before the deadline.")
	}
	return nil
}

// newBackend builds the configured cache backend. release frees clients the
// backend does not own.
func newBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (backend cache.Backend, release func(), err error) {
	release = func() {}
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		backend, err = cache.NewRedisBackend(ctx, &cache.RedisConfig{
			Addr:         cfg.Cache.Redis.Addr,
			Password:     cfg.Cache.Redis.Password,
			DB:           cfg.Cache.Redis.DB,
			KeyPrefix:    cfg.Cache.Redis.KeyPrefix,
			DialTimeout:  cfg.Cache.Redis.DialTimeout,
			ReadTimeout:  cfg.Cache.Redis.ReadTimeout,
			WriteTimeout: cfg.Cache.Redis.WriteTimeout,
		}, logger)
		return backend, release, err
	case config.BackendPostgres:
		backend, err = cache.NewPostgresBackend(ctx, &cache.PostgresConfig{
			DSN:          cfg.Cache.Postgres.DSN,
			MaxOpenConns: cfg.Cache.Postgres.MaxOpenConns,
			CompactEvery: cfg.Cache.CompactEvery,
		}, logger)
		return backend, release, err
	case config.BackendFirestore:
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, release, fmt.Errorf("failed to create firestore client: %w", err)
		}
		backend, err = cache.NewFirestoreBackend(&cache.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			CollectionName: cfg.Cache.Firestore.Collection,
			CompactEvery:   cfg.Cache.CompactEvery,
		}, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, release, err
		}
		return backend, func() { _ = client.Close() }, nil
	default:
		return cache.NewMemoryBackend(cache.MemoryConfig{MaxEntries: cfg.Cache.MaxEntries}), release, nil
	}
}
