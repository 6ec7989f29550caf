// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	API     APIConfig     `mapstructure:"api"`
	Neo4j   Neo4jConfig   `mapstructure:"neo4j"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Publish PublishConfig `mapstructure:"publish"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// APIConfig governs access to the upstream Moltbook API.
type APIConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	UserAgent         string `mapstructure:"user_agent"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	MaxRetries        int    `mapstructure:"max_retries"`
	BackoffInitialMs  int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int    `mapstructure:"backoff_max_ms"`
}

// Neo4jConfig controls access to the graph store.
type Neo4jConfig struct {
	URI            string `mapstructure:"uri"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	MaxPoolSize    int    `mapstructure:"max_pool_size"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CrawlConfig holds phase toggles and per-phase budgets.
type CrawlConfig struct {
	PostsPageSize      int  `mapstructure:"posts_page_size"`
	PostsMaxPages      int  `mapstructure:"posts_max_pages"`
	MaxStalePages      int  `mapstructure:"max_stale_pages"`
	MaxRepeatPages     int  `mapstructure:"max_repeat_pages"`
	SubmoltTopLimit    int  `mapstructure:"submolt_top_limit"`
	CrawlComments      bool `mapstructure:"crawl_comments"`
	CommentsPerPost    int  `mapstructure:"comments_per_post"`
	FetchProfiles      bool `mapstructure:"fetch_profiles"`
	ProfileLimit       int  `mapstructure:"profile_limit"`
	ProfileStaleDays   int  `mapstructure:"profile_stale_days"`
	EnrichSubmolts     bool `mapstructure:"enrich_submolts"`
	EnrichSubmoltLimit int  `mapstructure:"enrich_submolt_limit"`
	ModeratorsLimit    int  `mapstructure:"moderators_limit"`
	FeedSnapshotSort   string `mapstructure:"feed_snapshot_sort"`
	StoreMaxRetries    int  `mapstructure:"store_max_retries"`
	TakeoverMinutes    int  `mapstructure:"takeover_minutes"`
}

// ScrapeConfig gates the optional HTML enrichment of agent profile pages.
type ScrapeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Limit   int    `mapstructure:"limit"`
}

// ArchiveConfig controls the optional raw page archive.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"` // "local" or "gcs"
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublishConfig controls the optional run-completion event publisher.
type PublishConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the ops HTTP surface (health + metrics).
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MOLTGRAPH")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("api.base_url", "https://www.moltbook.com/api/v1")
	v.SetDefault("api.user_agent", "moltgraph-crawler/0.1")
	v.SetDefault("api.requests_per_minute", 80)
	v.SetDefault("api.timeout_seconds", 60)
	v.SetDefault("api.max_retries", 8)
	v.SetDefault("api.backoff_initial_ms", 1500)
	v.SetDefault("api.backoff_max_ms", 60000)

	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.max_pool_size", 50)
	v.SetDefault("neo4j.timeout_seconds", 10)

	v.SetDefault("crawl.posts_page_size", 50)
	v.SetDefault("crawl.posts_max_pages", 0)
	v.SetDefault("crawl.max_stale_pages", 4)
	v.SetDefault("crawl.max_repeat_pages", 2)
	v.SetDefault("crawl.submolt_top_limit", 100)
	v.SetDefault("crawl.crawl_comments", true)
	v.SetDefault("crawl.comments_per_post", 200)
	v.SetDefault("crawl.fetch_profiles", true)
	v.SetDefault("crawl.profile_limit", 500)
	v.SetDefault("crawl.profile_stale_days", 7)
	v.SetDefault("crawl.enrich_submolts", false)
	v.SetDefault("crawl.enrich_submolt_limit", 0)
	v.SetDefault("crawl.moderators_limit", 500)
	v.SetDefault("crawl.feed_snapshot_sort", "hot")
	v.SetDefault("crawl.store_max_retries", 5)
	v.SetDefault("crawl.takeover_minutes", 60)

	v.SetDefault("scrape.enabled", false)
	v.SetDefault("scrape.base_url", "https://www.moltbook.com")
	v.SetDefault("scrape.limit", 0)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.local_dir", "archive")
	v.SetDefault("archive.prefix", "pages")

	v.SetDefault("publish.enabled", false)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9090)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.API.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.requests_per_minute must be > 0")
	}
	if c.API.MaxRetries <= 0 {
		return fmt.Errorf("api.max_retries must be > 0")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.Crawl.PostsPageSize <= 0 {
		return fmt.Errorf("crawl.posts_page_size must be > 0")
	}
	if c.Crawl.StoreMaxRetries <= 0 {
		return fmt.Errorf("crawl.store_max_retries must be > 0")
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local":
			if c.Archive.LocalDir == "" {
				return fmt.Errorf("archive.local_dir must be set for the local backend")
			}
		case "gcs":
			if c.Archive.GCSBucket == "" {
				return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
			}
		default:
			return fmt.Errorf("archive.backend must be local or gcs, got %q", c.Archive.Backend)
		}
	}
	if c.Publish.Enabled && (c.Publish.ProjectID == "" || c.Publish.TopicName == "") {
		return fmt.Errorf("publish.project_id and publish.topic_name must be set when publish is enabled")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// HTTPTimeout converts the configured request timeout to a duration.
func (c APIConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial converts the configured initial backoff to a duration.
func (c APIConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the configured backoff ceiling to a duration.
func (c APIConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// TakeoverAge is how stale an unfinished crawl must be before a new run
// may resume it instead of starting fresh.
func (c CrawlConfig) TakeoverAge() time.Duration {
	return time.Duration(c.TakeoverMinutes) * time.Minute
}
