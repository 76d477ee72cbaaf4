package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "JOURNEYOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultStoreTimeout is the client-side timeout for each store call.
	DefaultStoreTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts per store write.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the fixed delay between store write attempts.
	DefaultRetryDelay = time.Second

	// DefaultFramework is reported on every run when none is configured.
	DefaultFramework = "chromedp"

	// DefaultPlatform is the platform tag used when a run carries none.
	DefaultPlatform = "desktop"

	// DefaultEnvironment is the environment tag used when none is configured.
	DefaultEnvironment = "staging"

	// DefaultBodyCap caps captured response bodies for error responses.
	DefaultBodyCap = 1000

	// DefaultSuccessBodyCap caps captured response bodies for 2xx/3xx responses.
	DefaultSuccessBodyCap = 500

	// DefaultMaxAPICallsPerStep caps the API calls kept on a step record.
	DefaultMaxAPICallsPerStep = 20
)

// DefaultSensitiveKeys are redacted from captured headers and bodies.
var DefaultSensitiveKeys = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"token",
	"password",
	"password-confirm",
	"password-confirmation",
	"secret",
	"apikey",
	"api-key",
	"credit-card",
	"card-number",
	"cvv",
	"ssn",
}

// Config is the root configuration for journeyoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Run      RunConfig      `yaml:"run" mapstructure:"run"`
	Tracking TrackingConfig `yaml:"tracking" mapstructure:"tracking"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Upload   S3UploadConfig `yaml:"upload" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// StoreConfig points the ingestion client at the result store. A missing
// URL or API key leaves the client disabled.
type StoreConfig struct {
	URL        string        `yaml:"url" mapstructure:"url"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
}

// Enabled reports whether enough is configured to reach the store.
func (s *StoreConfig) Enabled() bool {
	return s.URL != "" && s.APIKey != ""
}

// RunConfig contains run-level metadata stamped on every test run.
type RunConfig struct {
	Framework   string            `yaml:"framework" mapstructure:"framework"`
	SuiteName   string            `yaml:"suite_name" mapstructure:"suite_name"`
	Environment string            `yaml:"environment" mapstructure:"environment"`
	Platform    string            `yaml:"platform" mapstructure:"platform"`
	System      string            `yaml:"system" mapstructure:"system"`
	BuildNumber string            `yaml:"build_number" mapstructure:"build_number"`
	BuildURL    string            `yaml:"build_url" mapstructure:"build_url"`
	JobName     string            `yaml:"job_name" mapstructure:"job_name"`
	ReportURL   string            `yaml:"report_url" mapstructure:"report_url"`
	Headless    bool              `yaml:"headless" mapstructure:"headless"`
	ExportPath  string            `yaml:"export_path" mapstructure:"export_path"`
	Metadata    map[string]string `yaml:"metadata,omitempty" mapstructure:"metadata"`
}

// TrackingConfig contains step naming and API capture settings.
type TrackingConfig struct {
	NamingRulesFile    string   `yaml:"naming_rules_file" mapstructure:"naming_rules_file"`
	SensitiveKeys      []string `yaml:"sensitive_keys" mapstructure:"sensitive_keys"`
	BodyCap            int      `yaml:"body_cap" mapstructure:"body_cap"`
	SuccessBodyCap     int      `yaml:"success_body_cap" mapstructure:"success_body_cap"`
	MaxAPICallsPerStep int      `yaml:"max_api_calls_per_step" mapstructure:"max_api_calls_per_step"`
}

// S3UploadConfig contains settings for uploading exported run documents.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// envAliases binds well-known CI and store variables to config keys, in
// addition to the JOURNEYOOR_ prefixed form.
var envAliases = map[string][]string{
	"store.url":                {"SUPABASE_URL"},
	"store.api_key":            {"SUPABASE_KEY", "SUPABASE_ANON_KEY"},
	"run.environment":          {"TEST_ENV"},
	"run.build_number":         {"BUILD_NUMBER", "GITHUB_RUN_NUMBER"},
	"run.build_url":            {"BUILD_URL"},
	"run.job_name":             {"JOB_NAME", "GITHUB_JOB"},
	"run.report_url":           {"REPORT_URL"},
	"run.headless":             {"HEADLESS", "CI"},
	"run.suite_name":           {"SUITE_NAME"},
	"upload.access_key_id":     {"AWS_ACCESS_KEY_ID"},
	"upload.secret_access_key": {"AWS_SECRET_ACCESS_KEY"},
}

// Load reads and merges the given configuration files (later files win),
// then applies environment overrides and defaults. With no paths the
// configuration comes from defaults and the environment alone.
func Load(paths ...string) (*Config, error) {
	if err := loadDotEnv(os.Getenv(EnvPrefix + "_ENV_FILE")); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// loadDotEnv loads variables from a .env file without overriding ones that
// are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}

	return nil
}

// bindEnv makes keys without defaults visible to AutomaticEnv and wires the
// well-known aliases.
func bindEnv(v *viper.Viper) error {
	for key, aliases := range envAliases {
		names := make([]string, 0, len(aliases)+1)
		names = append(names, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
		names = append(names, aliases...)

		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	for _, key := range []string{
		"run.platform", "run.system", "run.export_path",
		"tracking.naming_rules_file", "upload.bucket", "upload.endpoint_url",
		"upload.region", "upload.prefix",
	} {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	return nil
}

// setDefaults registers defaults with viper so AutomaticEnv can override
// them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("store.timeout", DefaultStoreTimeout)
	v.SetDefault("store.max_retries", DefaultMaxRetries)
	v.SetDefault("store.retry_delay", DefaultRetryDelay)
	v.SetDefault("run.framework", DefaultFramework)
	v.SetDefault("tracking.body_cap", DefaultBodyCap)
	v.SetDefault("tracking.success_body_cap", DefaultSuccessBodyCap)
	v.SetDefault("tracking.max_api_calls_per_step", DefaultMaxAPICallsPerStep)
	v.SetDefault("upload.enabled", false)

	setAPIDefaults(v)
}

// applyDefaults fills values viper could not default (empty strings set
// explicitly in files, nil slices).
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Store.Timeout <= 0 {
		c.Store.Timeout = DefaultStoreTimeout
	}

	if c.Store.MaxRetries <= 0 {
		c.Store.MaxRetries = DefaultMaxRetries
	}

	if c.Store.RetryDelay < 0 {
		c.Store.RetryDelay = DefaultRetryDelay
	}

	if c.Run.Framework == "" {
		c.Run.Framework = DefaultFramework
	}

	if c.Run.Environment == "" {
		c.Run.Environment = DefaultEnvironment
	}

	if c.Run.Platform == "" {
		c.Run.Platform = DefaultPlatform
	}

	if c.Run.SuiteName == "" {
		c.Run.SuiteName = "journeys"
	}

	if len(c.Tracking.SensitiveKeys) == 0 {
		c.Tracking.SensitiveKeys = append([]string(nil), DefaultSensitiveKeys...)
	}

	if c.Tracking.BodyCap <= 0 {
		c.Tracking.BodyCap = DefaultBodyCap
	}

	if c.Tracking.SuccessBodyCap <= 0 {
		c.Tracking.SuccessBodyCap = DefaultSuccessBodyCap
	}

	if c.Tracking.MaxAPICallsPerStep <= 0 {
		c.Tracking.MaxAPICallsPerStep = DefaultMaxAPICallsPerStep
	}

	c.API.applyDefaults()
}

// Validate checks the configuration for errors and reports all of them.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("global.log_level: %w", err))
	}

	if c.Store.URL != "" && !strings.HasPrefix(c.Store.URL, "http://") &&
		!strings.HasPrefix(c.Store.URL, "https://") {
		result = multierror.Append(result,
			fmt.Errorf("store.url %q must be an http(s) URL", c.Store.URL))
	}

	if c.Tracking.SuccessBodyCap > c.Tracking.BodyCap {
		result = multierror.Append(result,
			fmt.Errorf("tracking.success_body_cap (%d) exceeds tracking.body_cap (%d)",
				c.Tracking.SuccessBodyCap, c.Tracking.BodyCap))
	}

	if c.Upload.Enabled && c.Upload.Bucket == "" {
		result = multierror.Append(result,
			fmt.Errorf("upload.bucket is required when upload is enabled"))
	}

	return result.ErrorOrNil()
}
