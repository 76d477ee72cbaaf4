package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

const (
	// DefaultAPIListen is the default API listen address.
	DefaultAPIListen = ":8080"

	// DefaultSQLitePath is the default SQLite database path.
	DefaultSQLitePath = "journeyoor.db"

	// DefaultTabStepPrefix selects the steps counted as tab loads.
	DefaultTabStepPrefix = "Navigation: Open Tab"

	// DefaultQueryDays is the default look-back window for tab performance.
	DefaultQueryDays = 7

	// DefaultProcessingInterval is the background raw log processing interval.
	DefaultProcessingInterval = time.Minute

	// DefaultProcessingGracePeriod leaves fresh raw logs to the client that
	// ingested them.
	DefaultProcessingGracePeriod = 5 * time.Minute

	// DefaultProcessingConcurrency bounds raw logs processed in parallel.
	DefaultProcessingConcurrency = 4

	// DefaultIngestRequestsPerMinute is the per-IP ingestion rate limit.
	DefaultIngestRequestsPerMinute = 600

	// DefaultQueryRequestsPerMinute is the per-IP dashboard query rate limit.
	DefaultQueryRequestsPerMinute = 120
)

// DefaultSystems is the allow-list of system tags accepted by queries.
var DefaultSystems = []string{"storefront", "checkout", "backoffice"}

// DefaultPlatforms is the list of platform tags accepted by the snapshot.
var DefaultPlatforms = []string{"desktop", "mobile", "tablet"}

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server     APIServerConfig     `yaml:"server" mapstructure:"server"`
	Auth       APIAuthConfig       `yaml:"auth" mapstructure:"auth"`
	Database   APIDatabaseConfig   `yaml:"database" mapstructure:"database"`
	Query      APIQueryConfig      `yaml:"query" mapstructure:"query"`
	Processing APIProcessingConfig `yaml:"processing" mapstructure:"processing"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Ingest  RateLimitTier `yaml:"ingest,omitempty" mapstructure:"ingest"`
	Query   RateLimitTier `yaml:"query,omitempty" mapstructure:"query"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig protects the ingestion REST surface. When no keys are
// configured ingestion is open.
type APIAuthConfig struct {
	Keys []APIKeyConfig `yaml:"keys,omitempty" mapstructure:"keys"`
}

// APIKeyConfig is one accepted ingestion key, stored as a bcrypt hash.
type APIKeyConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Hash string `yaml:"hash" mapstructure:"hash"`
}

// APIDatabaseConfig contains database connection settings.
type APIDatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// APIQueryConfig contains the taxonomy used by the dashboard queries.
type APIQueryConfig struct {
	Systems           []string `yaml:"systems" mapstructure:"systems"`
	Platforms         []string `yaml:"platforms" mapstructure:"platforms"`
	DefaultPlatform   string   `yaml:"default_platform" mapstructure:"default_platform"`
	TabStepPrefix     string   `yaml:"tab_step_prefix" mapstructure:"tab_step_prefix"`
	DefaultDays       int      `yaml:"default_days" mapstructure:"default_days"`
	PlaceholderOnMiss bool     `yaml:"placeholder_on_miss" mapstructure:"placeholder_on_miss"`
}

// HasSystem reports whether the system tag is in the allow-list.
func (q *APIQueryConfig) HasSystem(system string) bool {
	for _, s := range q.Systems {
		if strings.EqualFold(s, system) {
			return true
		}
	}

	return false
}

// HasPlatform reports whether the platform tag is known.
func (q *APIQueryConfig) HasPlatform(platform string) bool {
	for _, p := range q.Platforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}

	return false
}

// APIProcessingConfig configures the background raw log processor.
type APIProcessingConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval      time.Duration `yaml:"interval" mapstructure:"interval"`
	GracePeriod   time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency"`
	IncludeFailed bool          `yaml:"include_failed" mapstructure:"include_failed"`
}

func setAPIDefaults(v *viper.Viper) {
	v.SetDefault("api.server.listen", DefaultAPIListen)
	v.SetDefault("api.database.driver", "sqlite")
	v.SetDefault("api.database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("api.query.default_platform", DefaultPlatform)
	v.SetDefault("api.query.tab_step_prefix", DefaultTabStepPrefix)
	v.SetDefault("api.query.default_days", DefaultQueryDays)
	v.SetDefault("api.query.placeholder_on_miss", false)
	v.SetDefault("api.server.rate_limit.ingest.requests_per_minute", DefaultIngestRequestsPerMinute)
	v.SetDefault("api.server.rate_limit.query.requests_per_minute", DefaultQueryRequestsPerMinute)
	v.SetDefault("api.processing.enabled", false)
	v.SetDefault("api.processing.interval", DefaultProcessingInterval)
	v.SetDefault("api.processing.grace_period", DefaultProcessingGracePeriod)
	v.SetDefault("api.processing.concurrency", DefaultProcessingConcurrency)
}

func (a *APIConfig) applyDefaults() {
	if a.Server.Listen == "" {
		a.Server.Listen = DefaultAPIListen
	}

	if a.Server.RateLimit.Ingest.RequestsPerMinute <= 0 {
		a.Server.RateLimit.Ingest.RequestsPerMinute = DefaultIngestRequestsPerMinute
	}

	if a.Server.RateLimit.Query.RequestsPerMinute <= 0 {
		a.Server.RateLimit.Query.RequestsPerMinute = DefaultQueryRequestsPerMinute
	}

	if a.Database.Driver == "" {
		a.Database.Driver = "sqlite"
	}

	if a.Database.Driver == "sqlite" && a.Database.SQLite.Path == "" {
		a.Database.SQLite.Path = DefaultSQLitePath
	}

	if a.Database.Postgres.SSLMode == "" {
		a.Database.Postgres.SSLMode = "disable"
	}

	if len(a.Query.Systems) == 0 {
		a.Query.Systems = append([]string(nil), DefaultSystems...)
	}

	if len(a.Query.Platforms) == 0 {
		a.Query.Platforms = append([]string(nil), DefaultPlatforms...)
	}

	if a.Query.DefaultPlatform == "" {
		a.Query.DefaultPlatform = DefaultPlatform
	}

	if a.Query.TabStepPrefix == "" {
		a.Query.TabStepPrefix = DefaultTabStepPrefix
	}

	if a.Query.DefaultDays <= 0 {
		a.Query.DefaultDays = DefaultQueryDays
	}

	if a.Processing.Interval <= 0 {
		a.Processing.Interval = DefaultProcessingInterval
	}

	if a.Processing.GracePeriod < 0 {
		a.Processing.GracePeriod = DefaultProcessingGracePeriod
	}

	if a.Processing.Concurrency <= 0 {
		a.Processing.Concurrency = DefaultProcessingConcurrency
	}
}

// ValidateAPI checks the API section for errors.
func (c *Config) ValidateAPI() error {
	var result *multierror.Error

	if c.API.Server.Listen == "" {
		result = multierror.Append(result, fmt.Errorf("api.server.listen is required"))
	}

	switch c.API.Database.Driver {
	case "sqlite":
		if c.API.Database.SQLite.Path == "" {
			result = multierror.Append(result,
				fmt.Errorf("api.database.sqlite.path is required"))
		}
	case "postgres":
		if c.API.Database.Postgres.Host == "" {
			result = multierror.Append(result,
				fmt.Errorf("api.database.postgres.host is required"))
		}
	default:
		result = multierror.Append(result,
			fmt.Errorf("api.database.driver %q is not supported", c.API.Database.Driver))
	}

	for i, key := range c.API.Auth.Keys {
		if key.Name == "" {
			result = multierror.Append(result,
				fmt.Errorf("api.auth.keys[%d]: name is required", i))
		}

		if !strings.HasPrefix(key.Hash, "$2") {
			result = multierror.Append(result,
				fmt.Errorf("api.auth.keys[%d]: hash must be a bcrypt hash", i))
		}
	}

	if !c.API.Query.HasPlatform(c.API.Query.DefaultPlatform) {
		result = multierror.Append(result,
			fmt.Errorf("api.query.default_platform %q is not in api.query.platforms",
				c.API.Query.DefaultPlatform))
	}

	return result.ErrorOrNil()
}
