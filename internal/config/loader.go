package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TOKENLEDGER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TOKENLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "TOKENLEDGER_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "TOKENLEDGER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "TOKENLEDGER_DATABASE_PORT")
	setStr(&cfg.Database.Database, "TOKENLEDGER_DATABASE_NAME")
	setStr(&cfg.Database.User, "TOKENLEDGER_DATABASE_USER")
	setStr(&cfg.Database.Password, "TOKENLEDGER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "TOKENLEDGER_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "TOKENLEDGER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "TOKENLEDGER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "TOKENLEDGER_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TOKENLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TOKENLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TOKENLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TOKENLEDGER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "TOKENLEDGER_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.Block, "TOKENLEDGER_REDIS_BLOCK")

	// ── S3 ──
	setBool(&cfg.S3.ArchiveEnabled, "TOKENLEDGER_S3_ARCHIVE_ENABLED")
	setStr(&cfg.S3.Endpoint, "TOKENLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TOKENLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "TOKENLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TOKENLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TOKENLEDGER_S3_SECRET_KEY")
	setStr(&cfg.S3.Prefix, "TOKENLEDGER_S3_PREFIX")

	// ── Ledger ──
	setInt(&cfg.Ledger.MaxRetries, "TOKENLEDGER_LEDGER_MAX_RETRIES")
	setDuration(&cfg.Ledger.RetryBackoff, "TOKENLEDGER_LEDGER_RETRY_BACKOFF")

	// ── Settlement ──
	setStr(&cfg.Settlement.RequestStream, "TOKENLEDGER_SETTLEMENT_REQUEST_STREAM")
	setStr(&cfg.Settlement.OutcomeStream, "TOKENLEDGER_SETTLEMENT_OUTCOME_STREAM")
	setStr(&cfg.Settlement.EventChannel, "TOKENLEDGER_SETTLEMENT_EVENT_CHANNEL")
	setDuration(&cfg.Settlement.LockTTL, "TOKENLEDGER_SETTLEMENT_LOCK_TTL")
	setInt(&cfg.Settlement.RateLimit, "TOKENLEDGER_SETTLEMENT_RATE_LIMIT")
	setDuration(&cfg.Settlement.RateWindow, "TOKENLEDGER_SETTLEMENT_RATE_WINDOW")

	// ── Sweep ──
	setStr(&cfg.Sweep.Schedule, "TOKENLEDGER_SWEEP_SCHEDULE")
	setInt(&cfg.Sweep.PageSize, "TOKENLEDGER_SWEEP_PAGE_SIZE")
	setBool(&cfg.Sweep.OnStart, "TOKENLEDGER_SWEEP_ON_START")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TOKENLEDGER_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "TOKENLEDGER_SERVER_ADDR")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TOKENLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TOKENLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TOKENLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TOKENLEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TOKENLEDGER_MODE")
	setStr(&cfg.Store, "TOKENLEDGER_STORE")
	setStr(&cfg.LogLevel, "TOKENLEDGER_LOG_LEVEL")
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
