package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Stream    StreamConfig    `yaml:"stream"`
	Stats     StatsConfig     `yaml:"stats"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port       string `yaml:"port"`
	Env        string `yaml:"env"`
	AdminToken string `yaml:"admin_token"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type IngestConfig struct {
	MaxBodyBytes      int64 `yaml:"max_body_bytes"`
	MaxBatchBodyBytes int64 `yaml:"max_batch_body_bytes"`
	BulkThreshold     int   `yaml:"bulk_threshold"`
	MaxBatchSize      int   `yaml:"max_batch_size"`
	SyncGroupingLimit int   `yaml:"sync_grouping_limit"`
}

type JobsConfig struct {
	QueueCapacity   int `yaml:"queue_capacity"`
	Workers         int `yaml:"workers"`
	GroupingRetries int `yaml:"grouping_retries"`
	StatsRetries    int `yaml:"stats_retries"`
}

type StreamConfig struct {
	SubscriberBuffer   int `yaml:"subscriber_buffer"`
	HeartbeatSeconds   int `yaml:"heartbeat_seconds"`
	PollMaxEvents      int `yaml:"poll_max_events"`
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`
}

type StatsConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	DefaultDays     int `yaml:"default_days"`
	MaxDays         int `yaml:"max_days"`
}

type AlertsConfig struct {
	Workers        int `yaml:"workers"`
	QueueCapacity  int `yaml:"queue_capacity"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Attempts       int `yaml:"attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

type RateLimitConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Enabled           bool `yaml:"enabled"`
}

// Load reads the YAML config at path (optional; pass "" to skip), applies
// environment overrides, then fills defaults. Env wins over file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("LENS_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("LENS_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30
	}
	if c.Ingest.MaxBodyBytes == 0 {
		c.Ingest.MaxBodyBytes = 1 << 20 // 1 MiB single capture
	}
	if c.Ingest.MaxBatchBodyBytes == 0 {
		c.Ingest.MaxBatchBodyBytes = 10 << 20 // 10 MiB batch
	}
	if c.Ingest.BulkThreshold == 0 {
		c.Ingest.BulkThreshold = 5
	}
	if c.Ingest.MaxBatchSize == 0 {
		c.Ingest.MaxBatchSize = 100
	}
	if c.Ingest.SyncGroupingLimit == 0 {
		c.Ingest.SyncGroupingLimit = 10
	}
	if c.Jobs.QueueCapacity == 0 {
		c.Jobs.QueueCapacity = 1024
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.GroupingRetries == 0 {
		c.Jobs.GroupingRetries = 3
	}
	if c.Jobs.StatsRetries == 0 {
		c.Jobs.StatsRetries = 2
	}
	if c.Stream.SubscriberBuffer == 0 {
		c.Stream.SubscriberBuffer = 64
	}
	if c.Stream.HeartbeatSeconds == 0 {
		c.Stream.HeartbeatSeconds = 5
	}
	if c.Stream.PollMaxEvents == 0 {
		c.Stream.PollMaxEvents = 100
	}
	if c.Stream.PollTimeoutSeconds == 0 {
		c.Stream.PollTimeoutSeconds = 25
	}
	if c.Stats.CacheTTLSeconds == 0 {
		c.Stats.CacheTTLSeconds = 120
	}
	if c.Stats.DefaultDays == 0 {
		c.Stats.DefaultDays = 7
	}
	if c.Stats.MaxDays == 0 {
		c.Stats.MaxDays = 90
	}
	if c.Alerts.Workers == 0 {
		c.Alerts.Workers = 2
	}
	if c.Alerts.QueueCapacity == 0 {
		c.Alerts.QueueCapacity = 256
	}
	if c.Alerts.TimeoutSeconds == 0 {
		c.Alerts.TimeoutSeconds = 10
	}
	if c.Alerts.Attempts == 0 {
		c.Alerts.Attempts = 3
	}
	if c.Alerts.RetryBackoffMs == 0 {
		c.Alerts.RetryBackoffMs = 1000
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
}

// ConnMaxLifetimeDuration returns the pool lifetime as a duration.
func (c DatabaseConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Minute
}

// Heartbeat returns the stream heartbeat interval.
func (c StreamConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// PollTimeout returns the long-poll hold duration.
func (c StreamConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// CacheTTL returns the stats cache TTL.
func (c StatsConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Timeout returns the per-delivery HTTP timeout.
func (c AlertsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the base delay between delivery attempts.
func (c AlertsConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}
