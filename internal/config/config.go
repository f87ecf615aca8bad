package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/social-metrics/internal/domain"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Meta      MetaConfig      `yaml:"meta"`
	Cache     CacheConfig     `yaml:"cache"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Prewarm   PrewarmConfig   `yaml:"prewarm"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the optional Redis used for leases
type RedisConfig struct {
	URL string `yaml:"url"`
}

// MetaConfig holds Graph API configuration
type MetaConfig struct {
	BaseURL        string  `yaml:"base_url"`
	GraphVersion   string  `yaml:"graph_version"`
	Token          string  `yaml:"system_user_token"`
	AppSecret      string  `yaml:"app_secret"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	RateBurst      int     `yaml:"rate_burst"`
	MaxAttempts    int     `yaml:"max_attempts"`
	IGUserID       string  `yaml:"ig_user_id"`
	PageID         string  `yaml:"page_id"`
	AdAccountID    string  `yaml:"ad_account_id"`
}

// Timeout returns the configured timeout as a duration
func (c MetaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheConfig holds durable and in-process cache settings
type CacheConfig struct {
	TTLMinutes             int            `yaml:"ttl_minutes"`
	ResourceTTLMinutes     map[string]int `yaml:"resource_ttl_minutes"`
	RefreshIntervalMinutes int            `yaml:"refresh_interval_minutes"`
	RefreshBatchSize       int            `yaml:"refresh_batch_size"`
	PostsMemTTLSeconds     int            `yaml:"posts_mem_ttl_seconds"`
}

// TTL returns the default freshness window.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// ResourceTTL returns the freshness window for one resource.
func (c CacheConfig) ResourceTTL(resource string) time.Duration {
	if m, ok := c.ResourceTTLMinutes[resource]; ok && m > 0 {
		return time.Duration(m) * time.Minute
	}
	return c.TTL()
}

// RefreshInterval returns the cache refresh cadence (minimum 5 minutes).
func (c CacheConfig) RefreshInterval() time.Duration {
	m := c.RefreshIntervalMinutes
	if m < 5 {
		m = 5
	}
	return time.Duration(m) * time.Minute
}

// PostsMemTTL returns the in-process recent posts TTL.
func (c CacheConfig) PostsMemTTL() time.Duration {
	return time.Duration(c.PostsMemTTLSeconds) * time.Second
}

// IngestConfig holds daily ingestion settings
type IngestConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Time             string   `yaml:"time"`
	Timezone         string   `yaml:"timezone"`
	LookbackDays     int      `yaml:"lookback_days"`
	AutoDiscover     bool     `yaml:"auto_discover"`
	WarmPosts        bool     `yaml:"warm_posts"`
	AccountIDs       []string `yaml:"account_ids"`
	AudienceSnapshot bool     `yaml:"audience_snapshot"`
	BackfillTimeout  int      `yaml:"backfill_timeout_seconds"`
}

// PrewarmConfig holds cache prewarm settings
type PrewarmConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	LookbackDays    int    `yaml:"lookback_days"`
	MaxAccounts     int    `yaml:"max_accounts"`
	Timezone        string `yaml:"timezone"`
	IGPostsLimit    int    `yaml:"instagram_posts_limit"`
	FBPostsLimit    int    `yaml:"facebook_posts_limit"`
}

// CleanupConfig holds cache retention settings
type CleanupConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	Time          string `yaml:"time"`
	Timezone      string `yaml:"timezone"`
}

// ArchiveConfig holds the optional S3 raw snapshot archive
type ArchiveConfig struct {
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether snapshots should be archived.
func (c ArchiveConfig) Enabled() bool { return c.S3Bucket != "" }

// SchedulerConfig holds process-level scheduler switches
type SchedulerConfig struct {
	Enabled           bool `yaml:"enabled"`
	JobTimeoutMinutes int  `yaml:"job_timeout_minutes"`
	UseLeases         bool `yaml:"use_leases"`
}

// JobTimeout bounds a single job run.
func (c SchedulerConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMinutes) * time.Minute
}

// Load reads and parses the configuration file. A missing file yields the
// defaults so env-only deployments work.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			applyBoolDefaults(data, &cfg)
		case errors.Is(err, os.ErrNotExist):
			applyMissingBoolDefaults(&cfg)
		default:
			return nil, err
		}
	} else {
		applyMissingBoolDefaults(&cfg)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Meta.BaseURL == "" {
		cfg.Meta.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Meta.GraphVersion == "" {
		cfg.Meta.GraphVersion = "v23.0"
	}
	if cfg.Meta.TimeoutSeconds == 0 {
		cfg.Meta.TimeoutSeconds = 30
	}
	if cfg.Meta.RatePerSecond == 0 {
		cfg.Meta.RatePerSecond = 10
	}
	if cfg.Meta.RateBurst == 0 {
		cfg.Meta.RateBurst = 5
	}
	if cfg.Meta.MaxAttempts == 0 {
		cfg.Meta.MaxAttempts = 3
	}
	if cfg.Cache.TTLMinutes == 0 {
		cfg.Cache.TTLMinutes = 60
	}
	if cfg.Cache.RefreshIntervalMinutes == 0 {
		cfg.Cache.RefreshIntervalMinutes = 60
	}
	if cfg.Cache.RefreshBatchSize == 0 {
		cfg.Cache.RefreshBatchSize = 25
	}
	if cfg.Cache.PostsMemTTLSeconds == 0 {
		cfg.Cache.PostsMemTTLSeconds = 1800
	}
	if cfg.Ingest.Time == "" {
		cfg.Ingest.Time = "03:00"
	}
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "America/Sao_Paulo"
	}
	if cfg.Ingest.LookbackDays < 1 {
		cfg.Ingest.LookbackDays = 1
	}
	if cfg.Ingest.BackfillTimeout == 0 {
		cfg.Ingest.BackfillTimeout = 600
	}
	if cfg.Prewarm.IntervalMinutes == 0 {
		cfg.Prewarm.IntervalMinutes = cfg.Cache.RefreshIntervalMinutes
	}
	if cfg.Prewarm.LookbackDays < 1 {
		cfg.Prewarm.LookbackDays = 7
	}
	if cfg.Prewarm.MaxAccounts == 0 {
		cfg.Prewarm.MaxAccounts = 50
	}
	if cfg.Prewarm.Timezone == "" {
		cfg.Prewarm.Timezone = cfg.Ingest.Timezone
	}
	if cfg.Prewarm.IGPostsLimit == 0 {
		cfg.Prewarm.IGPostsLimit = 20
	}
	if cfg.Prewarm.FBPostsLimit == 0 {
		cfg.Prewarm.FBPostsLimit = 8
	}
	if cfg.Cleanup.Time == "" {
		cfg.Cleanup.Time = "04:00"
	}
	if cfg.Cleanup.Timezone == "" {
		cfg.Cleanup.Timezone = cfg.Ingest.Timezone
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "snapshots"
	}
	if cfg.Scheduler.JobTimeoutMinutes == 0 {
		cfg.Scheduler.JobTimeoutMinutes = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// boolDefaults lists switches that default to on. yaml cannot tell an
// omitted bool from false, so presence is checked on the raw document.
var boolDefaults = []struct {
	section, key string
	field        func(*Config) *bool
}{
	{"ingest", "enabled", func(c *Config) *bool { return &c.Ingest.Enabled }},
	{"ingest", "auto_discover", func(c *Config) *bool { return &c.Ingest.AutoDiscover }},
	{"ingest", "warm_posts", func(c *Config) *bool { return &c.Ingest.WarmPosts }},
	{"ingest", "audience_snapshot", func(c *Config) *bool { return &c.Ingest.AudienceSnapshot }},
	{"prewarm", "enabled", func(c *Config) *bool { return &c.Prewarm.Enabled }},
	{"scheduler", "enabled", func(c *Config) *bool { return &c.Scheduler.Enabled }},
	{"scheduler", "use_leases", func(c *Config) *bool { return &c.Scheduler.UseLeases }},
}

func applyBoolDefaults(data []byte, cfg *Config) {
	var raw map[string]interface{}
	_ = yaml.Unmarshal(data, &raw)
	present := func(section, key string) bool {
		m, ok := raw[section].(map[string]interface{})
		if !ok {
			return false
		}
		_, ok = m[key]
		return ok
	}
	for _, d := range boolDefaults {
		if !present(d.section, d.key) {
			*d.field(cfg) = true
		}
	}
	if !present("cleanup", "retention_days") {
		cfg.Cleanup.RetentionDays = 365
	}
}

func applyMissingBoolDefaults(cfg *Config) {
	for _, d := range boolDefaults {
		*d.field(cfg) = true
	}
	cfg.Cleanup.RetentionDays = 365
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				log.Printf("[Config] ignoring %s=%q: not an integer", key, v)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = parseBool(v)
		}
	}

	if v, ok := lookup("SERVER_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)
	str("LOG_LEVEL", &cfg.LogLevel)

	str("META_BASE_URL", &cfg.Meta.BaseURL)
	str("META_GRAPH_VERSION", &cfg.Meta.GraphVersion)
	str("META_SYSTEM_USER_TOKEN", &cfg.Meta.Token)
	str("META_APP_SECRET", &cfg.Meta.AppSecret)
	str("META_IG_USER_ID", &cfg.Meta.IGUserID)
	str("META_PAGE_ID", &cfg.Meta.PageID)
	str("META_AD_ACCOUNT_ID", &cfg.Meta.AdAccountID)
	if v, ok := lookup("CORS_ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.AllowedOrigins = SplitCSV(v)
	}
	num("META_REQUEST_TIMEOUT_SECONDS", &cfg.Meta.TimeoutSeconds)
	if v, ok := lookup("META_RATE_PER_SECOND"); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			cfg.Meta.RatePerSecond = f
		}
	}
	num("META_SYNC_INTERVAL_MINUTES", &cfg.Cache.RefreshIntervalMinutes)
	num("META_SYNC_BATCH_SIZE", &cfg.Cache.RefreshBatchSize)
	num("CACHE_TTL_MINUTES", &cfg.Cache.TTLMinutes)
	num("IG_POSTS_MEM_CACHE_TTL_SEC", &cfg.Cache.PostsMemTTLSeconds)

	flag("INSTAGRAM_INGEST_ENABLED", &cfg.Ingest.Enabled)
	str("INSTAGRAM_INGEST_TIME", &cfg.Ingest.Time)
	str("INSTAGRAM_INGEST_TZ", &cfg.Ingest.Timezone)
	num("INSTAGRAM_INGEST_LOOKBACK_DAYS", &cfg.Ingest.LookbackDays)
	flag("INSTAGRAM_INGEST_AUTO_DISCOVER", &cfg.Ingest.AutoDiscover)
	flag("INSTAGRAM_INGEST_WARM_POSTS", &cfg.Ingest.WarmPosts)
	flag("INSTAGRAM_AUDIENCE_SNAPSHOT_ENABLED", &cfg.Ingest.AudienceSnapshot)
	if v, ok := lookup("INSTAGRAM_INGEST_IDS"); ok {
		cfg.Ingest.AccountIDs = append(cfg.Ingest.AccountIDs, SplitCSV(v)...)
	}

	flag("CACHE_WARM_ENABLED", &cfg.Prewarm.Enabled)
	num("CACHE_WARM_LOOKBACK_DAYS", &cfg.Prewarm.LookbackDays)
	num("CACHE_WARM_MAX_ACCOUNTS", &cfg.Prewarm.MaxAccounts)
	str("CACHE_WARM_TZ", &cfg.Prewarm.Timezone)
	num("INSTAGRAM_POSTS_LIMIT", &cfg.Prewarm.IGPostsLimit)
	num("FACEBOOK_POSTS_LIMIT", &cfg.Prewarm.FBPostsLimit)

	num("CACHE_RETENTION_DAYS", &cfg.Cleanup.RetentionDays)
	str("CACHE_CLEANUP_TIME", &cfg.Cleanup.Time)

	str("ARCHIVE_S3_BUCKET", &cfg.Archive.S3Bucket)
	str("ARCHIVE_S3_REGION", &cfg.Archive.S3Region)
	str("ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	str("ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)

	flag("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)

	if cfg.Ingest.LookbackDays < 1 {
		cfg.Ingest.LookbackDays = 1
	}
}

// Validate checks identifiers required by every process.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Meta.Token) == "" {
		return &domain.ConfigError{Field: "META_SYSTEM_USER_TOKEN", Reason: "provider token is required"}
	}
	if c.Meta.GraphVersion == "" {
		return &domain.ConfigError{Field: "META_GRAPH_VERSION", Reason: "graph version is required"}
	}
	return nil
}

// SplitCSV splits a comma separated list, trimming blanks.
func SplitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
