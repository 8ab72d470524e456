package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethpandaops/projectoor/pkg/cache"
	"github.com/ethpandaops/projectoor/pkg/productive"
	"github.com/ethpandaops/projectoor/pkg/ratelimit"
	"github.com/ethpandaops/projectoor/pkg/store"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the file leaves a value empty.
const (
	EnvAPIToken = "PRODUCTIVE_API_TOKEN"
	EnvOrgID    = "PRODUCTIVE_ORG_ID"
	EnvBaseURL  = "PRODUCTIVE_BASE_URL"
)

// ErrNoToken is returned by ValidateAPI when no token is configured.
var ErrNoToken = errors.New("api.token is required (or set " + EnvAPIToken + ")")

// Config is the root configuration for projectoor.
type Config struct {
	API       APIConfig       `yaml:"api"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
}

// APIConfig contains remote API settings.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	Token          string        `yaml:"token"`
	OrganizationID string        `yaml:"organization_id" validate:"omitempty,numeric"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
	UserAgent      string        `yaml:"user_agent"`
}

// RateLimitConfig contains outbound rate limiting settings.
type RateLimitConfig struct {
	Enabled           *bool  `yaml:"enabled"`
	MaxRetries        *int   `yaml:"max_retries" validate:"omitempty,min=0,max=20"`
	MaxRequestsPer10s int    `yaml:"max_requests_per_10s" validate:"min=0"`
	ReportsMaxPer30s  int    `yaml:"reports_max_per_30s" validate:"min=0"`
	InitialBackoffMs  int    `yaml:"initial_backoff_ms" validate:"min=0"`
	MaxBackoffMs      int    `yaml:"max_backoff_ms" validate:"min=0"`
	ReportsMarker     string `yaml:"reports_marker"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	Enabled       *bool                    `yaml:"enabled"`
	Driver        string                   `yaml:"driver" validate:"oneof=memory sqlite postgres redis"`
	SQLite        SQLiteConfig             `yaml:"sqlite"`
	Postgres      PostgresConfig           `yaml:"postgres"`
	Redis         RedisConfig              `yaml:"redis"`
	TTL           TTLConfig                `yaml:"ttl"`
	ResourceTTL   map[string]time.Duration `yaml:"resource_ttl" validate:"dive,min=0"`
	PruneInterval time.Duration            `yaml:"prune_interval" validate:"min=0"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"min=0,max=65535"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig contains Redis-specific settings.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// TTLConfig contains the TTL of each cache class.
type TTLConfig struct {
	Reference time.Duration `yaml:"reference" validate:"min=0"`
	Standard  time.Duration `yaml:"standard" validate:"min=0"`
	Volatile  time.Duration `yaml:"volatile" validate:"min=0"`
}

// ServerConfig contains local gateway settings.
type ServerConfig struct {
	Listen            string `yaml:"listen" validate:"required"`
	RequestsPerMinute int    `yaml:"requests_per_minute" validate:"min=0"`
}

// Load reads and parses configuration from a YAML file. When optional is
// set, a missing file yields the defaults instead of an error.
func Load(path string, optional bool) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		// Expand environment variables.
		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
		// Defaults and environment only.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnv(&cfg)

	// Apply defaults.
	applyDefaults(&cfg)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config

	applyDefaults(&cfg)

	return &cfg
}

// expandEnvVars replaces ${VAR} and $VAR patterns with environment variable values.
func expandEnvVars(s string) string {
	// Match ${VAR} pattern.
	re := regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}

		return match
	})

	// Match $VAR pattern (only at word boundaries).
	re = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[1:]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}

		return match
	})

	return s
}

// applyEnv fills empty API settings from the environment.
func applyEnv(cfg *Config) {
	if cfg.API.Token == "" {
		cfg.API.Token = os.Getenv(EnvAPIToken)
	}

	if cfg.API.OrganizationID == "" {
		cfg.API.OrganizationID = os.Getenv(EnvOrgID)
	}

	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = os.Getenv(EnvBaseURL)
	}
}

// applyDefaults sets default values for unset configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = productive.DefaultBaseURL
	}

	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = productive.DefaultTimeout
	}

	if cfg.API.UserAgent == "" {
		cfg.API.UserAgent = productive.DefaultUserAgent
	}

	if cfg.RateLimit.Enabled == nil {
		cfg.RateLimit.Enabled = ptr(true)
	}

	if cfg.RateLimit.MaxRetries == nil {
		cfg.RateLimit.MaxRetries = ptr(ratelimit.DefaultMaxRetries)
	}

	if cfg.RateLimit.MaxRequestsPer10s == 0 {
		cfg.RateLimit.MaxRequestsPer10s = ratelimit.DefaultMaxRequestsPer10s
	}

	if cfg.RateLimit.ReportsMaxPer30s == 0 {
		cfg.RateLimit.ReportsMaxPer30s = ratelimit.DefaultReportsMaxPer30s
	}

	if cfg.RateLimit.InitialBackoffMs == 0 {
		cfg.RateLimit.InitialBackoffMs = int(ratelimit.DefaultInitialBackoff.Milliseconds())
	}

	if cfg.RateLimit.MaxBackoffMs == 0 {
		cfg.RateLimit.MaxBackoffMs = int(ratelimit.DefaultMaxBackoff.Milliseconds())
	}

	if cfg.RateLimit.ReportsMarker == "" {
		cfg.RateLimit.ReportsMarker = ratelimit.DefaultReportsMarker
	}

	if cfg.Cache.Enabled == nil {
		cfg.Cache.Enabled = ptr(true)
	}

	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = store.DriverSQLite
	}

	if cfg.Cache.SQLite.Path == "" {
		cfg.Cache.SQLite.Path = defaultSQLitePath()
	}

	if cfg.Cache.Postgres.Port == 0 {
		cfg.Cache.Postgres.Port = 5432
	}

	if cfg.Cache.Postgres.SSLMode == "" {
		cfg.Cache.Postgres.SSLMode = "disable"
	}

	if cfg.Cache.TTL.Reference == 0 {
		cfg.Cache.TTL.Reference = cache.DefaultReferenceTTL
	}

	if cfg.Cache.TTL.Standard == 0 {
		cfg.Cache.TTL.Standard = cache.DefaultStandardTTL
	}

	if cfg.Cache.TTL.Volatile == 0 {
		cfg.Cache.TTL.Volatile = cache.DefaultVolatileTTL
	}

	if cfg.Cache.PruneInterval == 0 {
		cfg.Cache.PruneInterval = 10 * time.Minute
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:9191"
	}

	if cfg.Server.RequestsPerMinute == 0 {
		cfg.Server.RequestsPerMinute = 600
	}
}

// defaultSQLitePath returns the per-user cache file location.
func defaultSQLitePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "./projectoor-cache.db"
	}

	return filepath.Join(dir, "projectoor", "cache.db")
}

func ptr[T any](v T) *T {
	return &v
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// Validate cache backend config.
	switch c.Cache.Driver {
	case store.DriverSQLite:
		if c.Cache.SQLite.Path == "" {
			return fmt.Errorf("cache.sqlite.path is required when driver is sqlite")
		}
	case store.DriverPostgres:
		if c.Cache.Postgres.Host == "" {
			return fmt.Errorf("cache.postgres.host is required when driver is postgres")
		}

		if c.Cache.Postgres.Database == "" {
			return fmt.Errorf("cache.postgres.database is required when driver is postgres")
		}
	case store.DriverRedis:
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("cache.redis.url is required when driver is redis")
		}
	}

	if c.RateLimit.MaxBackoffMs < c.RateLimit.InitialBackoffMs {
		return fmt.Errorf("rate_limit.max_backoff_ms must not be below initial_backoff_ms")
	}

	return nil
}

// ValidateAPI checks the settings needed to call the remote API.
func (c *Config) ValidateAPI() error {
	if c.API.Token == "" {
		return ErrNoToken
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Cache.Postgres.Host,
		c.Cache.Postgres.Port,
		c.Cache.Postgres.User,
		c.Cache.Postgres.Password,
		c.Cache.Postgres.Database,
		c.Cache.Postgres.SSLMode,
	)
}

// CacheEnabled reports whether the response cache is on.
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// StoreOptions returns the cache backend options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:      c.Cache.Driver,
		SQLitePath:  c.Cache.SQLite.Path,
		PostgresDSN: c.GetDSN(),
		RedisURL:    c.Cache.Redis.URL,
		RedisPrefix: c.Cache.Redis.KeyPrefix,
	}
}

// CacheOptions returns the response cache options.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		Enabled:      c.CacheEnabled(),
		ReferenceTTL: c.Cache.TTL.Reference,
		StandardTTL:  c.Cache.TTL.Standard,
		VolatileTTL:  c.Cache.TTL.Volatile,
		ResourceTTL:  c.Cache.ResourceTTL,
	}
}

// RateLimitOptions returns the rate limiter options.
func (c *Config) RateLimitOptions() ratelimit.Options {
	opts := ratelimit.DefaultOptions()

	if c.RateLimit.Enabled != nil {
		opts.Enabled = *c.RateLimit.Enabled
	}

	if c.RateLimit.MaxRetries != nil {
		opts.MaxRetries = *c.RateLimit.MaxRetries
	}

	opts.StandardLimit = c.RateLimit.MaxRequestsPer10s
	opts.ReportsLimit = c.RateLimit.ReportsMaxPer30s
	opts.InitialBackoff = time.Duration(c.RateLimit.InitialBackoffMs) * time.Millisecond
	opts.MaxBackoff = time.Duration(c.RateLimit.MaxBackoffMs) * time.Millisecond
	opts.ReportsMarker = c.RateLimit.ReportsMarker

	return opts
}

// ClientOptions returns the API client options.
func (c *Config) ClientOptions() productive.Options {
	return productive.Options{
		BaseURL:        c.API.BaseURL,
		Token:          c.API.Token,
		OrganizationID: c.API.OrganizationID,
		Timeout:        c.API.Timeout,
		UserAgent:      c.API.UserAgent,
	}
}

// String returns a sanitized string representation of the config (no secrets).
func (c *Config) String() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("API: base_url=%s organization_id=%s token_set=%t timeout=%s\n",
		c.API.BaseURL, c.API.OrganizationID, c.API.Token != "", c.API.Timeout))

	rl := c.RateLimitOptions()
	sb.WriteString(fmt.Sprintf("RateLimit: enabled=%t max_retries=%d standard=%d/10s reports=%d/30s backoff=%s..%s\n",
		rl.Enabled, rl.MaxRetries, rl.StandardLimit, rl.ReportsLimit, rl.InitialBackoff, rl.MaxBackoff))
	sb.WriteString(fmt.Sprintf("Cache: enabled=%t driver=%s ttl=%s/%s/%s overrides=%d\n",
		c.CacheEnabled(), c.Cache.Driver, c.Cache.TTL.Reference, c.Cache.TTL.Standard,
		c.Cache.TTL.Volatile, len(c.Cache.ResourceTTL)))
	sb.WriteString(fmt.Sprintf("Server: listen=%s requests_per_minute=%d\n",
		c.Server.Listen, c.Server.RequestsPerMinute))

	return sb.String()
}
