// Package config loads the creditgated daemon configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// Config holds the creditgated configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	Budget     BudgetConfig     `yaml:"budget"`
	Grace      GraceConfig      `yaml:"grace"`
	Tiers      TiersConfig      `yaml:"tiers"`
	Storage    StorageConfig    `yaml:"storage"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Auth       AuthConfig       `yaml:"auth"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Billing    BillingConfig    `yaml:"billing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// LoggingConfig selects the logger backend.
type LoggingConfig struct {
	Driver string `yaml:"driver"` // zerolog (default), zap
	Level  string `yaml:"level"`  // debug, info (default), warn, error
	Format string `yaml:"format"` // json (default), console
}

// BudgetConfig holds the systemwide spend settings.
type BudgetConfig struct {
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd"`
	Timezone        string  `yaml:"timezone"` // IANA name for cycle boundaries (default UTC)
}

// GraceConfig overrides the grace bands and policy. Nil keeps the defaults.
type GraceConfig struct {
	Bands  *creditgate.GraceBands  `yaml:"bands"`
	Policy *creditgate.GracePolicy `yaml:"policy"`
}

// TiersConfig replaces the built-in tier table when Rows is set.
type TiersConfig struct {
	Default creditgate.Tier         `yaml:"default"`
	Rows    []creditgate.TierConfig `yaml:"rows"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver         string `yaml:"driver"` // memory (default), redis, postgres, sqlite, firestore, tiered
	RecordTTLHours int    `yaml:"record_ttl_hours"`
	TimeoutMs      int    `yaml:"timeout_ms"`

	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Tiered    TieredConfig    `yaml:"tiered"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	SkipMigrate bool   `yaml:"skip_migrate"`
}

// SQLiteConfig holds the SQLite database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// FirestoreConfig holds Firestore settings.
type FirestoreConfig struct {
	ProjectID        string `yaml:"project_id"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// TieredConfig composes two backends. Hot and Cold name other drivers.
type TieredConfig struct {
	Hot       string `yaml:"hot"`
	Cold      string `yaml:"cold"`
	AsyncSync bool   `yaml:"async_sync"`
}

// ResilienceConfig holds cache and circuit breaker settings.
type ResilienceConfig struct {
	CacheSize       int `yaml:"cache_size"`
	CacheTTLSec     int `yaml:"cache_ttl_sec"`
	MaxStalenessSec int `yaml:"max_staleness_sec"`

	BreakerEnabled   bool `yaml:"breaker_enabled"`
	BreakerThreshold int  `yaml:"breaker_threshold"`
	BreakerResetSec  int  `yaml:"breaker_reset_sec"`
}

// SchedulerConfig holds the cycle reset sweep settings.
type SchedulerConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// AuthConfig names the trusted header carrying the caller's user id.
type AuthConfig struct {
	UserHeader      string `yaml:"user_header"`
	RequestIDHeader string `yaml:"request_id_header"`

	// AdminToken guards the /admin routes. Empty disables them.
	AdminToken string `yaml:"admin_token"`
}

// UpstreamConfig points admitted requests at the generation backend. The
// backend reports realized cost in CostHeader. Empty URLs disable the routes.
type UpstreamConfig struct {
	GenerationURL string `yaml:"generation_url"`
	ExportURL     string `yaml:"export_url"`
	CostHeader    string `yaml:"cost_header"`
}

// BillingConfig holds purchase-source settings.
type BillingConfig struct {
	Stripe StripeConfig `yaml:"stripe"`
}

// StripeConfig configures the Stripe webhook. Empty WebhookSecret disables it.
type StripeConfig struct {
	WebhookSecret string                     `yaml:"webhook_secret"`
	Prices        map[string]creditgate.Tier `yaml:"prices"`
	RateLimit     int                        `yaml:"rate_limit_per_min"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

var validDrivers = map[string]bool{
	"memory": true, "redis": true, "postgres": true, "sqlite": true, "firestore": true, "tiered": true,
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding ${VAR} and ${VAR:-default} references,
// then applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// PathForEnv returns config/<env>.yaml, with env from ENV (default "local").
func PathForEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}
	return filepath.Join("config", env+".yaml")
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Logging.Driver == "" {
		c.Logging.Driver = "zerolog"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Budget.Timezone == "" {
		c.Budget.Timezone = "UTC"
	}
	if c.Tiers.Default == "" {
		c.Tiers.Default = creditgate.TierFree
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.RecordTTLHours <= 0 {
		c.Storage.RecordTTLHours = 35 * 24
	}
	if c.Storage.TimeoutMs <= 0 {
		c.Storage.TimeoutMs = 2000
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "creditgate:"
	}
	if c.Storage.Postgres.MaxConns <= 0 {
		c.Storage.Postgres.MaxConns = 10
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "creditgate.db"
	}
	if c.Storage.Firestore.CollectionPrefix == "" {
		c.Storage.Firestore.CollectionPrefix = "creditgate_"
	}
	if c.Resilience.CacheSize <= 0 {
		c.Resilience.CacheSize = 10000
	}
	if c.Resilience.CacheTTLSec <= 0 {
		c.Resilience.CacheTTLSec = 30
	}
	if c.Resilience.BreakerThreshold <= 0 {
		c.Resilience.BreakerThreshold = 5
	}
	if c.Resilience.BreakerResetSec <= 0 {
		c.Resilience.BreakerResetSec = 30
	}
	if c.Scheduler.IntervalSec <= 0 {
		c.Scheduler.IntervalSec = 60
	}
	if c.Auth.UserHeader == "" {
		c.Auth.UserHeader = "X-User-ID"
	}
	if c.Auth.RequestIDHeader == "" {
		c.Auth.RequestIDHeader = "Idempotency-Key"
	}
	if c.Upstream.CostHeader == "" {
		c.Upstream.CostHeader = "X-Creditgate-Cost-USD"
	}
	if c.Billing.Stripe.RateLimit <= 0 {
		c.Billing.Stripe.RateLimit = 100
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "creditgate"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Logging.Driver {
	case "zerolog", "zap":
	default:
		return fmt.Errorf("logging.driver must be \"zerolog\" or \"zap\", got %q", c.Logging.Driver)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"console\", got %q", c.Logging.Format)
	}
	if c.Budget.MonthlyLimitUSD < 0 {
		return fmt.Errorf("budget.monthly_limit_usd must not be negative, got %v", c.Budget.MonthlyLimitUSD)
	}
	if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
		return fmt.Errorf("budget.timezone: %w", err)
	}
	if len(c.Tiers.Rows) > 0 {
		if _, err := c.Catalog(); err != nil {
			return fmt.Errorf("tiers: %w", err)
		}
	}
	for field, raw := range map[string]string{
		"upstream.generation_url": c.Upstream.GenerationURL,
		"upstream.export_url":     c.Upstream.ExportURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", field, raw)
		}
	}
	if err := c.validateDriver("storage.driver", c.Storage.Driver); err != nil {
		return err
	}
	if c.Storage.Driver == "tiered" {
		for _, d := range []struct{ field, name string }{
			{"storage.tiered.hot", c.Storage.Tiered.Hot},
			{"storage.tiered.cold", c.Storage.Tiered.Cold},
		} {
			if d.name == "tiered" || d.name == "" {
				return fmt.Errorf("%s must name a non-tiered driver", d.field)
			}
			if err := c.validateDriver(d.field, d.name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) validateDriver(field, driver string) error {
	if !validDrivers[driver] {
		return fmt.Errorf("%s: unknown driver %q", field, driver)
	}
	switch driver {
	case "redis":
		if len(c.Storage.Redis.Addrs) == 0 {
			return fmt.Errorf("storage.redis.addrs is required for %s", field)
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for %s", field)
		}
	case "firestore":
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("storage.firestore.project_id is required for %s", field)
		}
	}
	return nil
}

// Catalog builds the tier table, or the built-in one when no rows are set.
func (c *Config) Catalog() (*creditgate.Catalog, error) {
	if len(c.Tiers.Rows) == 0 {
		return creditgate.DefaultCatalog(), nil
	}
	return creditgate.NewCatalog(c.Tiers.Rows, c.Tiers.Default)
}

// Location returns the tenant time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Budget.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Seconds converts a config value in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
