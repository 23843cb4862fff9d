// Package config loads and validates configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-snapshots/internal/logging"
	"github.com/JakeFAU/crawl-snapshots/internal/snapshot"
)

// Storage backends.
const (
	BackendLocal    = "local"
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Platform PlatformConfig `mapstructure:"platform"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Headless HeadlessConfig `mapstructure:"headless"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Report   ReportConfig   `mapstructure:"report"`
	Check    CheckConfig    `mapstructure:"check"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  logging.Config `mapstructure:"logging"`
}

// MetricsConfig controls the Prometheus endpoint. An empty ListenAddr keeps it off.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// PlatformConfig describes the execution environment.
type PlatformConfig struct {
	OnPlatform bool `mapstructure:"on_platform"`
}

// StorageConfig selects and configures the key-value store artifacts go to.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Dir           string `mapstructure:"dir"`
	StoreID       string `mapstructure:"store_id"`
	StoreName     string `mapstructure:"store_name"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSPrefix     string `mapstructure:"gcs_prefix"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
}

// HeadlessConfig configures the browser used for page captures.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// HTTPConfig configures plain HTTP fetching. Headers are sent by both fetchers.
type HTTPConfig struct {
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	UserAgent      string            `mapstructure:"user_agent"`
	RespectRobots  bool              `mapstructure:"respect_robots"`
	Concurrency    int               `mapstructure:"concurrency"`
	Headers        map[string]string `mapstructure:"headers"`
}

// ReportConfig configures error grouping.
type ReportConfig struct {
	MaxSnapshots int `mapstructure:"max_snapshots"`
}

// CheckConfig configures the page checks whose failures are snapshotted.
type CheckConfig struct {
	MinBytes     int      `mapstructure:"min_bytes"`
	Selectors    []string `mapstructure:"selectors"`
	BlockMarkers []string `mapstructure:"block_markers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ERRSNAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("platform.on_platform", false)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.store_id", "")
	v.SetDefault("storage.store_name", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.postgres_table", "key_value_records")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "errsnap/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.concurrency", 4)
	v.SetDefault("report.max_snapshots", 0)
	v.SetDefault("check.min_bytes", 0)
	v.SetDefault("check.selectors", []string{})
	v.SetDefault("check.block_markers", []string{})
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// bindEnv maps the platform's own environment variables onto config keys.
func bindEnv(v *viper.Viper) error {
	if err := v.BindEnv("platform.on_platform", "ERRSNAP_PLATFORM_ON_PLATFORM", "APIFY_IS_AT_HOME"); err != nil {
		return fmt.Errorf("bind platform env: %w", err)
	}
	if err := v.BindEnv("storage.dir", "ERRSNAP_STORAGE_DIR", "CRAWLEE_STORAGE_DIR"); err != nil {
		return fmt.Errorf("bind storage env: %w", err)
	}
	if err := v.BindEnv("storage.store_id", "ERRSNAP_STORAGE_STORE_ID", "APIFY_DEFAULT_KEY_VALUE_STORE_ID"); err != nil {
		return fmt.Errorf("bind store id env: %w", err)
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.Concurrency <= 0 {
		return fmt.Errorf("http.concurrency must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Report.MaxSnapshots < 0 {
		return fmt.Errorf("report.max_snapshots must be >= 0")
	}
	if c.Check.MinBytes < 0 {
		return fmt.Errorf("check.min_bytes must be >= 0")
	}
	return nil
}

// Snapshot returns the snapshotter configuration.
func (c Config) Snapshot() snapshot.Config {
	return snapshot.Config{
		OnPlatform: c.Platform.OnPlatform,
		StorageDir: c.Storage.Dir,
	}
}

// HTTPTimeout converts the HTTP timeout to a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestHeaders converts the configured headers to canonical HTTP headers.
func (c Config) RequestHeaders() http.Header {
	if len(c.HTTP.Headers) == 0 {
		return nil
	}
	headers := make(http.Header, len(c.HTTP.Headers))
	for key, value := range c.HTTP.Headers {
		headers.Set(key, value)
	}
	return headers
}

// NavTimeout converts the headless navigation timeout to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
