package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/illmade-knight/go-liveboard/pkg/metrics"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultMigrationsTable = "liveboard_cache_migrations"

// PostgresConfig holds the configuration for the Postgres backend.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// MigrationsTable keeps this schema's migration state apart from any other
	// migrations run against the same database.
	MigrationsTable string
	// CompactEvery is the number of writes between expiry sweeps.
	CompactEvery int
}

// PostgresBackend is a Backend on a cache_entries table, shared by every
// worker process pointed at the same database.
type PostgresBackend struct {
	db        *sqlx.DB
	compactor *compactor
	now       func() time.Time
	logger    zerolog.Logger
}

type cacheRow struct {
	Value     []byte    `db:"value"`
	ExpiresAt time.Time `db:"expires_at"`
}

// NewPostgresBackend opens the database, verifies connectivity and applies
// the embedded schema migrations.
func NewPostgresBackend(ctx context.Context, cfg *PostgresConfig, logger zerolog.Logger) (*PostgresBackend, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	backend, err := NewPostgresBackendFromDB(db, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info().Msg("Successfully connected to Postgres cache.")
	return backend, nil
}

// NewPostgresBackendFromDB wraps an existing connection pool and applies the
// schema migrations. The backend takes ownership of db.
func NewPostgresBackendFromDB(db *sqlx.DB, cfg *PostgresConfig, logger zerolog.Logger) (*PostgresBackend, error) {
	if err := migrateSchema(db, cfg.MigrationsTable); err != nil {
		return nil, err
	}
	return &PostgresBackend{
		db:        db,
		compactor: newCompactor(cfg.CompactEvery),
		now:       time.Now,
		logger:    logger.With().Str("component", "PostgresBackend").Logger(),
	}, nil
}

func migrateSchema(db *sqlx.DB, table string) error {
	if table == "" {
		table = defaultMigrationsTable
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load cache migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{MigrationsTable: table})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m.Close would also close db, which the backend keeps using.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run cache migrations: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Name() string { return "postgres" }

// Get returns the stored value. An expired row is deleted and reported as
// ErrMiss.
func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var row cacheRow
	err := p.db.GetContext(ctx, &row, `SELECT value, expires_at FROM cache_entries WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get for %s: %w", key, err)
	}

	now := p.now()
	if !now.Before(row.ExpiresAt) {
		// Only remove the row if no writer refreshed it in the meantime.
		if _, err := p.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1 AND expires_at <= $2`, key, now); err != nil {
			p.logger.Debug().Err(err).Str("key", key).Msg("Failed to delete expired cache row.")
		}
		return nil, ErrMiss
	}
	return row.Value, nil
}

// Set upserts the row and sweeps expired rows once every CompactEvery writes.
func (p *PostgresBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := p.now().Add(ttl)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres set for %s: %w", key, err)
	}

	if p.compactor.recordWrite() {
		if _, err := p.Compact(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Cache compaction failed.")
		}
	}
	return nil
}

// Compact deletes every expired row and returns how many were removed. The
// delete is driven by the expires_at index.
func (p *PostgresBackend) Compact(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("postgres compact: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.CacheCompactedEntries.WithLabelValues(p.Name()).Add(float64(n))
	p.logger.Debug().Int64("removed", n).Msg("Compacted expired cache rows.")
	return n, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete for %s: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Clear(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("postgres clear: %w", err)
	}
	return nil
}

// Len counts live rows. Expired rows awaiting compaction are excluded.
func (p *PostgresBackend) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM cache_entries WHERE expires_at > $1`, p.now()); err != nil {
		return 0, fmt.Errorf("postgres len: %w", err)
	}
	return n, nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) Close() error {
	p.logger.Info().Msg("Closing Postgres connection pool...")
	return p.db.Close()
}
