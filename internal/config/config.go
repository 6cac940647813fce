// Package config defines the racewatch configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RACEWATCH_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Timezone  string          `toml:"timezone"`
	Catalogue CatalogueConfig `toml:"catalogue"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Watcher   WatcherConfig   `toml:"watcher"`
	Feed      FeedConfig      `toml:"feed"`
	Sink      SinkConfig      `toml:"sink"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
}

// CatalogueConfig locates the daily market catalogue.
type CatalogueConfig struct {
	// Source is "file" or "s3".
	Source      string   `toml:"source"`
	Dir         string   `toml:"dir"`
	S3Prefix    string   `toml:"s3_prefix"`
	FilePattern string   `toml:"file_pattern"`
	LeadTime    duration `toml:"lead_time"`
	// Cron re-runs the bootstrap in watch mode; empty disables it.
	Cron string `toml:"cron"`
}

// SchedulerConfig tunes the activation scheduler.
type SchedulerConfig struct {
	PollInterval duration `toml:"poll_interval"`
	StaleAfter   duration `toml:"stale_after"`
	BatchSize    int      `toml:"batch_size"`
	Workers      int      `toml:"workers"`
}

// WatcherConfig tunes the market watcher.
type WatcherConfig struct {
	CheckpointOffset duration `toml:"checkpoint_offset"`
	FastPoll         duration `toml:"fast_poll"`
	LockTTL          duration `toml:"lock_ttl"`
	UseLock          bool     `toml:"use_lock"`
}

// FeedConfig holds the live feed endpoint and credentials.
type FeedConfig struct {
	WSURL            string   `toml:"ws_url"`
	AppKey           string   `toml:"app_key"`
	SessionToken     string   `toml:"session_token"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	BufferSize       int      `toml:"buffer_size"`
}

// SinkConfig selects where snapshot records are written.
type SinkConfig struct {
	// Backends is any of "file", "s3", "postgres".
	Backends []string `toml:"backends"`
	Dir      string   `toml:"dir"`
	S3Prefix string   `toml:"s3_prefix"`
}

// StoreConfig selects the activation store.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"` // empty disables auth
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig configures chat alerts on watcher transitions. A sender is
// enabled when its credentials are set.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	// States lists the target states to alert on; empty means terminated.
	States []string `toml:"states"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the default values. These match
// config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "watch",
		LogLevel: "info",
		Timezone: "Local",
		Catalogue: CatalogueConfig{
			Source:      "file",
			Dir:         "./catalogue",
			FilePattern: "{date}_markets.txt",
			LeadTime:    duration{30 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			PollInterval: duration{time.Second},
			StaleAfter:   duration{10 * time.Minute},
			BatchSize:    100,
			Workers:      32,
		},
		Watcher: WatcherConfig{
			CheckpointOffset: duration{time.Minute},
			FastPoll:         duration{30 * time.Second},
			LockTTL:          duration{15 * time.Minute},
		},
		Feed: FeedConfig{
			WSURL:            "wss://stream-api.betfair.com/stream",
			HandshakeTimeout: duration{15 * time.Second},
			BufferSize:       16,
		},
		Sink: SinkConfig{
			Backends: []string{"file"},
			Dir:      "./captured",
			S3Prefix: "captured",
		},
		Store: StoreConfig{
			Driver: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "racewatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "racewatch:",
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
	}
}

var validNotifyStates = map[string]bool{
	"idle":         true,
	"subscribed":   true,
	"rescheduling": true,
	"terminated":   true,
}

var validModes = map[string]bool{
	"watch":     true,
	"bootstrap": true,
	"worker":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSinkBackends = map[string]bool{
	"file":     true,
	"s3":       true,
	"postgres": true,
}

// Location resolves Timezone. "Local" and "" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// NeedsS3 reports whether any configured component uses object storage.
func (c *Config) NeedsS3() bool {
	if c.Catalogue.Source == "s3" {
		return true
	}
	for _, b := range c.Sink.Backends {
		if b == "s3" {
			return true
		}
	}
	return false
}

// NeedsPostgres reports whether any configured component uses PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	if c.Store.Driver == "postgres" {
		return true
	}
	for _, b := range c.Sink.Backends {
		if b == "postgres" {
			return true
		}
	}
	return false
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: watch, bootstrap, worker)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err.Error())
	}

	// Catalogue
	switch c.Catalogue.Source {
	case "file":
		if c.Catalogue.Dir == "" {
			errs = append(errs, "catalogue: dir must not be empty for source file")
		}
	case "s3":
	default:
		errs = append(errs, fmt.Sprintf("catalogue: unknown source %q (valid: file, s3)", c.Catalogue.Source))
	}
	if !strings.Contains(c.Catalogue.FilePattern, "{date}") {
		errs = append(errs, "catalogue: file_pattern must contain {date}")
	}
	if c.Catalogue.LeadTime.Duration <= 0 {
		errs = append(errs, "catalogue: lead_time must be > 0")
	}

	// Scheduler
	if c.Scheduler.PollInterval.Duration <= 0 {
		errs = append(errs, "scheduler: poll_interval must be > 0")
	}
	if c.Scheduler.StaleAfter.Duration <= 0 {
		errs = append(errs, "scheduler: stale_after must be > 0")
	}
	if c.Scheduler.BatchSize < 1 {
		errs = append(errs, "scheduler: batch_size must be >= 1")
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler: workers must be >= 1")
	}

	// Watcher
	if c.Watcher.CheckpointOffset.Duration < 0 {
		errs = append(errs, "watcher: checkpoint_offset must be >= 0")
	}
	if c.Watcher.FastPoll.Duration <= 0 {
		errs = append(errs, "watcher: fast_poll must be > 0")
	}
	if c.Watcher.UseLock {
		if !c.Redis.Enabled {
			errs = append(errs, "watcher: use_lock requires redis.enabled")
		}
		if c.Watcher.LockTTL.Duration <= 0 {
			errs = append(errs, "watcher: lock_ttl must be > 0")
		}
	}

	// Feed; bootstrap mode never subscribes.
	if c.Mode != "bootstrap" && c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if c.Feed.BufferSize < 1 {
		errs = append(errs, "feed: buffer_size must be >= 1")
	}

	// Sink
	if len(c.Sink.Backends) == 0 {
		errs = append(errs, "sink: at least one backend is required")
	}
	for _, b := range c.Sink.Backends {
		if !validSinkBackends[b] {
			errs = append(errs, fmt.Sprintf("sink: unknown backend %q (valid: file, s3, postgres)", b))
		}
		if b == "file" && c.Sink.Dir == "" {
			errs = append(errs, "sink: dir must not be empty for the file backend")
		}
	}

	// Store
	switch c.Store.Driver {
	case "postgres":
	case "memory":
		if c.Mode == "bootstrap" {
			errs = append(errs, "store: memory driver cannot persist a bootstrap run")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver))
	}

	// Postgres
	if c.NeedsPostgres() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.NeedsS3() {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	for _, st := range c.Notify.States {
		if !validNotifyStates[strings.ToLower(strings.TrimSpace(st))] {
			errs = append(errs, fmt.Sprintf("notify: unknown state %q (valid: idle, subscribed, rescheduling, terminated)", st))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
