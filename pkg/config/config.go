// Package config loads the live board settings: defaults, an optional YAML
// file, a .env overlay, environment overrides and the local key files, in
// that order, followed by validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/illmade-knight/go-liveboard/pkg/microservice"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultRailBaseURL is the LDBWS endpoint the rail client targets.
const DefaultRailBaseURL = "https://api1.raildata.org.uk/1010-live-arrival-and-departure-boards-arr-and-dep1_1/LDBWS/api/20220120"

// Cache backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// Config is the full process configuration.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	Rail     RailConfig     `yaml:"rail"`
	Tfl      TflConfig      `yaml:"tfl"`
	Cache    CacheConfig    `yaml:"cache"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// RailConfig configures the National Rail client.
type RailConfig struct {
	BaseURL    string        `yaml:"base_url" validate:"required,url"`
	APIKey     string        `yaml:"api_key"`
	NumRows    int           `yaml:"num_rows" validate:"min=1,max=150"`
	TimeWindow int           `yaml:"time_window" validate:"min=-120,max=120"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// TflConfig configures the TfL client.
type TflConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	AppKey  string        `yaml:"app_key"`
	AppID   string        `yaml:"app_id"`
	Modes   []string      `yaml:"modes" validate:"min=1,dive,required"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	Backend      string        `yaml:"backend" validate:"oneof=memory redis postgres firestore"`
	TTL          time.Duration `yaml:"ttl" validate:"gt=0"`
	DetailTTLCap time.Duration `yaml:"detail_ttl_cap" validate:"gt=0"`
	OpTimeout    time.Duration `yaml:"op_timeout" validate:"gt=0"`
	CompactEvery int           `yaml:"compact_every" validate:"min=1"`
	MaxEntries   int           `yaml:"max_entries" validate:"min=0"`

	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// RedisConfig holds the redis backend settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"min=0"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
}

// PostgresConfig holds the postgres backend settings.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"min=0"`
}

// FirestoreConfig holds the firestore backend settings. The project and
// credentials come from the base config.
type FirestoreConfig struct {
	Collection string `yaml:"collection"`
}

// PrefetchConfig tunes background cache warming.
type PrefetchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxConcurrency int64         `yaml:"max_concurrency" validate:"min=1"`
	JobTimeout     time.Duration `yaml:"job_timeout" validate:"gt=0"`
}

// UpstreamConfig limits the request rate of each upstream client.
type UpstreamConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int     `yaml:"burst" validate:"min=1"`
	UserAgent         string  `yaml:"user_agent"`
}

// Sources names where Load reads from. Empty fields use the defaults: no YAML
// file, ".env" and the working directory for key files.
type Sources struct {
	ConfigFile string
	EnvFile    string
	KeyDir     string
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			HTTPPort:    ":8080",
			ServiceName: "liveboard",
		},
		Rail: RailConfig{
			BaseURL:    DefaultRailBaseURL,
			NumRows:    150,
			TimeWindow: 120,
			Timeout:    10 * time.Second,
		},
		Tfl: TflConfig{
			BaseURL: "https://api.tfl.gov.uk",
			Modes:   []string{"tube", "overground"},
			Timeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Backend:      BackendMemory,
			TTL:          60 * time.Second,
			DetailTTLCap: 60 * time.Second,
			OpTimeout:    5 * time.Second,
			CompactEvery: 200,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				KeyPrefix:    "liveboard:",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
			Postgres:  PostgresConfig{MaxOpenConns: 10},
			Firestore: FirestoreConfig{Collection: "liveboard-cache"},
		},
		Prefetch: PrefetchConfig{
			Enabled:        true,
			MaxConcurrency: 4,
			JobTimeout:     12 * time.Second,
		},
		Upstream: UpstreamConfig{
			RequestsPerSecond: 10,
			Burst:             10,
			UserAgent:         "liveboard/1.0",
		},
	}
}

// Load builds the configuration from src.
func Load(src Sources) (*Config, error) {
	cfg := Default()

	if src.ConfigFile != "" {
		data, err := os.ReadFile(src.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", src.ConfigFile, err)
		}
	}

	envFile := src.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyKeyFiles(src.KeyDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.HTTPPort, "HTTP_PORT")
	setString(&c.ProjectID, "FIRESTORE_PROJECT_ID")
	setString(&c.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")

	setString(&c.Rail.BaseURL, "RAIL_API_BASE_URL")
	setString(&c.Rail.APIKey, "RAIL_API_KEY")

	setString(&c.Tfl.BaseURL, "TFL_API_BASE_URL")
	setString(&c.Tfl.AppKey, "TFL_API_KEY")
	setString(&c.Tfl.AppKey, "TFL_APP_KEY")
	setString(&c.Tfl.AppID, "TFL_APP_ID")
	if v := os.Getenv("TFL_MODES"); v != "" {
		c.Tfl.Modes = splitList(v)
	}

	setString(&c.Cache.Backend, "CACHE_BACKEND")
	setString(&c.Cache.Redis.Addr, "REDIS_ADDR")
	setString(&c.Cache.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Cache.Postgres.DSN, "POSTGRES_DSN")

	if err := setDuration(&c.Cache.TTL, "CACHE_TTL"); err != nil {
		return err
	}
	if err := setBool(&c.Prefetch.Enabled, "PREFETCH_ENABLED"); err != nil {
		return err
	}
	if v := os.Getenv("PREFETCH_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid PREFETCH_MAX_CONCURRENCY %q: %w", v, err)
		}
		c.Prefetch.MaxConcurrency = n
	}
	return nil
}

// applyKeyFiles fills credentials still missing from the "key" and
// "tfl_key" files in dir.
func (c *Config) applyKeyFiles(dir string) {
	if c.Rail.APIKey == "" {
		c.Rail.APIKey = readKeyFile(dir, "key")
	}
	if c.Tfl.AppKey == "" {
		c.Tfl.AppKey = readKeyFile(dir, "tfl_key")
	}
}

// Validate checks field constraints and the settings the chosen cache
// backend needs.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateCacheBackend, CacheConfig{})
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validateCacheBackend(sl validator.StructLevel) {
	cc := sl.Current().Interface().(CacheConfig)
	switch cc.Backend {
	case BackendRedis:
		if cc.Redis.Addr == "" {
			sl.ReportError(cc.Redis.Addr, "Redis.Addr", "Addr", "required_for_backend", cc.Backend)
		}
	case BackendPostgres:
		if cc.Postgres.DSN == "" {
			sl.ReportError(cc.Postgres.DSN, "Postgres.DSN", "DSN", "required_for_backend", cc.Backend)
		}
	case BackendFirestore:
		if cc.Firestore.Collection == "" {
			sl.ReportError(cc.Firestore.Collection, "Firestore.Collection", "Collection", "required_for_backend", cc.Backend)
		}
	}
}

func readKeyFile(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
