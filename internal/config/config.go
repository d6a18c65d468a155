// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	BlobNone  = "none"
	BlobLocal = "local"
	BlobGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig holds the crawl defaults applied to new tasks and the
// feedback thresholds of the orchestration loop.
type CrawlerConfig struct {
	UserAgent              string  `mapstructure:"user_agent"`
	RespectRobots          bool    `mapstructure:"respect_robots"`
	DefaultStrategy        string  `mapstructure:"default_strategy"`
	DefaultMaxDepth        int     `mapstructure:"default_max_depth"`
	DefaultMaxPages        int     `mapstructure:"default_max_pages"`
	DefaultIntervalSeconds float64 `mapstructure:"default_interval_seconds"`
	FastResponseMs         int     `mapstructure:"fast_response_ms"`
	RichContentChars       int     `mapstructure:"rich_content_chars"`
}

// HTTPConfig configures the static fetcher.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the rendering fetcher.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// EscalationConfig tunes the empty-shell heuristic.
type EscalationConfig struct {
	MinVisibleChars int `mapstructure:"min_visible_chars"`
}

// ProgressConfig tunes event batching.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// StorageConfig selects the task repository and snapshot blob backends.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	BlobBackend string `mapstructure:"blob_backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("crawler.user_agent", "scholar-crawler/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.default_strategy", string(crawler.StrategyBFS))
	v.SetDefault("crawler.default_max_depth", 2)
	v.SetDefault("crawler.default_max_pages", 100)
	v.SetDefault("crawler.default_interval_seconds", 1.0)
	v.SetDefault("crawler.fast_response_ms", 500)
	v.SetDefault("crawler.rich_content_chars", 2000)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("escalation.min_visible_chars", 500)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite_path", "scholar-crawler.db")
	v.SetDefault("storage.blob_backend", BlobNone)
	v.SetDefault("storage.local_dir", "snapshots")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.topic_name", "crawl-events")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "scholar-crawler")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := crawler.ParseStrategy(c.Crawler.DefaultStrategy); err != nil {
		return fmt.Errorf("crawler.default_strategy: %w", err)
	}
	if c.Crawler.DefaultMaxDepth < 0 || c.Crawler.DefaultMaxPages <= 0 || c.Crawler.DefaultIntervalSeconds < 0 {
		return fmt.Errorf("crawler defaults must satisfy max_depth >= 0, max_pages > 0, interval >= 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set when storage.backend is sqlite")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Storage.BlobBackend {
	case BlobNone, "":
	case BlobLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.blob_backend is local")
		}
	case BlobGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob_backend is gcs")
		}
	default:
		return fmt.Errorf("unknown storage.blob_backend %q", c.Storage.BlobBackend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// DefaultCrawlConfig is the base every created task's config is decoded onto.
func (c Config) DefaultCrawlConfig() crawler.CrawlConfig {
	strategy, _ := crawler.ParseStrategy(c.Crawler.DefaultStrategy)
	return crawler.CrawlConfig{
		Strategy:        strategy,
		MaxDepth:        c.Crawler.DefaultMaxDepth,
		MaxPages:        c.Crawler.DefaultMaxPages,
		IntervalSeconds: c.Crawler.DefaultIntervalSeconds,
		AllowEscalation: c.Headless.Enabled,
		RespectRobots:   c.Crawler.RespectRobots,
	}
}

// FetchTimeout is the static fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout is the rendering navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// RequestTimeout bounds API handlers.
func (c Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// FastResponse is the latency under which a fetch earns positive feedback.
func (c Config) FastResponse() time.Duration {
	return time.Duration(c.Crawler.FastResponseMs) * time.Millisecond
}

// BatchWait is the event hub's maximum batch wait.
func (c Config) BatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}
