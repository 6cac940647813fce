package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RACEWATCH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RACEWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "RACEWATCH_MODE")
	setStr(&cfg.LogLevel, "RACEWATCH_LOG_LEVEL")
	setStr(&cfg.Timezone, "RACEWATCH_TIMEZONE")

	// ── Catalogue ──
	setStr(&cfg.Catalogue.Source, "RACEWATCH_CATALOGUE_SOURCE")
	setStr(&cfg.Catalogue.Dir, "RACEWATCH_CATALOGUE_DIR")
	setStr(&cfg.Catalogue.S3Prefix, "RACEWATCH_CATALOGUE_S3_PREFIX")
	setStr(&cfg.Catalogue.FilePattern, "RACEWATCH_CATALOGUE_FILE_PATTERN")
	setDuration(&cfg.Catalogue.LeadTime, "RACEWATCH_CATALOGUE_LEAD_TIME")
	setStr(&cfg.Catalogue.Cron, "RACEWATCH_CATALOGUE_CRON")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.PollInterval, "RACEWATCH_SCHEDULER_POLL_INTERVAL")
	setDuration(&cfg.Scheduler.StaleAfter, "RACEWATCH_SCHEDULER_STALE_AFTER")
	setInt(&cfg.Scheduler.BatchSize, "RACEWATCH_SCHEDULER_BATCH_SIZE")
	setInt(&cfg.Scheduler.Workers, "RACEWATCH_SCHEDULER_WORKERS")

	// ── Watcher ──
	setDuration(&cfg.Watcher.CheckpointOffset, "RACEWATCH_WATCHER_CHECKPOINT_OFFSET")
	setDuration(&cfg.Watcher.FastPoll, "RACEWATCH_WATCHER_FAST_POLL")
	setDuration(&cfg.Watcher.LockTTL, "RACEWATCH_WATCHER_LOCK_TTL")
	setBool(&cfg.Watcher.UseLock, "RACEWATCH_WATCHER_USE_LOCK")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "RACEWATCH_FEED_WS_URL")
	setStr(&cfg.Feed.AppKey, "RACEWATCH_FEED_APP_KEY")
	setStr(&cfg.Feed.SessionToken, "RACEWATCH_FEED_SESSION_TOKEN")
	setDuration(&cfg.Feed.HandshakeTimeout, "RACEWATCH_FEED_HANDSHAKE_TIMEOUT")
	setInt(&cfg.Feed.BufferSize, "RACEWATCH_FEED_BUFFER_SIZE")

	// ── Sink ──
	setStringSlice(&cfg.Sink.Backends, "RACEWATCH_SINK_BACKENDS")
	setStr(&cfg.Sink.Dir, "RACEWATCH_SINK_DIR")
	setStr(&cfg.Sink.S3Prefix, "RACEWATCH_SINK_S3_PREFIX")

	// ── Store ──
	setStr(&cfg.Store.Driver, "RACEWATCH_STORE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "RACEWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RACEWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RACEWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RACEWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RACEWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RACEWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RACEWATCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RACEWATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RACEWATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RACEWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "RACEWATCH_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "RACEWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RACEWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RACEWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RACEWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RACEWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RACEWATCH_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "RACEWATCH_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RACEWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RACEWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "RACEWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RACEWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RACEWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RACEWATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RACEWATCH_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "RACEWATCH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "RACEWATCH_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "RACEWATCH_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "RACEWATCH_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RACEWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RACEWATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RACEWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.States, "RACEWATCH_NOTIFY_STATES")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
