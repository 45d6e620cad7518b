// Package config defines the top-level configuration for the token ledger
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/tokenledger/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TOKENLEDGER_* environment variables.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Settlement SettlementConfig `toml:"settlement"`
	Sweep      SweepConfig      `toml:"sweep"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	// Mode selects the loops to run: worker, sweep or full.
	Mode string `toml:"mode"`
	// Store selects the record store: postgres or memory.
	Store    string `toml:"store"`
	LogLevel string `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr runs the
// service with in-process locks and event bus.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	DialTimeout duration `toml:"dial_timeout"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	// Block is how long a stream read waits for new entries.
	Block     duration `toml:"block"`
	MarketTTL duration `toml:"market_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	ArchiveEnabled     bool   `toml:"archive_enabled"`
	Endpoint           string `toml:"endpoint"`
	Region             string `toml:"region"`
	Bucket             string `toml:"bucket"`
	AccessKey          string `toml:"access_key"`
	SecretKey          string `toml:"secret_key"`
	UseSSL             bool   `toml:"use_ssl"`
	ForcePathStyle     bool   `toml:"force_path_style"`
	Prefix             string `toml:"prefix"`
	MultipartThreshold int64  `toml:"multipart_threshold"`
}

// LedgerConfig tunes the optimistic retry loop of balance mutations.
type LedgerConfig struct {
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff duration `toml:"retry_backoff"`
}

// SettlementConfig holds the request stream consumer parameters.
type SettlementConfig struct {
	RequestStream string   `toml:"request_stream"`
	OutcomeStream string   `toml:"outcome_stream"`
	EventChannel  string   `toml:"event_channel"`
	BatchSize     int      `toml:"batch_size"`
	PollInterval  duration `toml:"poll_interval"`
	LockTTL       duration `toml:"lock_ttl"`
	DedupTTL      duration `toml:"dedup_ttl"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
}

// SweepConfig schedules the commitment integrity sweep.
type SweepConfig struct {
	Schedule string `toml:"schedule"`
	PageSize int    `toml:"page_size"`
	OnStart  bool   `toml:"on_start"`
}

// ServerConfig holds the ops HTTP server parameters.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	CheckTimeout duration `toml:"check_timeout"`
}

// NotifyConfig holds the chat channels settlement events are relayed to.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	consumer := pipeline.DefaultConsumerConfig()
	return Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "tokenledger",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
			Block:       duration{5 * time.Second},
			MarketTTL:   duration{time.Minute},
		},
		S3: S3Config{
			ArchiveEnabled: false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tokenledger-archive",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			MaxRetries:   5,
			RetryBackoff: duration{10 * time.Millisecond},
		},
		Settlement: SettlementConfig{
			RequestStream: consumer.Stream,
			OutcomeStream: consumer.OutcomeStream,
			EventChannel:  "settlement.events",
			BatchSize:     consumer.BatchSize,
			PollInterval:  duration{consumer.PollInterval},
			LockTTL:       duration{consumer.LockTTL},
			DedupTTL:      duration{consumer.DedupTTL},
			RateLimit:     consumer.RateLimit,
			RateWindow:    duration{consumer.RateWindow},
		},
		Sweep: SweepConfig{
			Schedule: "0 3 * * *",
			PageSize: 500,
		},
		Server: ServerConfig{
			Enabled:      true,
			Addr:         ":8080",
			CheckTimeout: duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"settlement.distributed", "settlement.rolled_back"},
		},
		Mode:     "full",
		Store:    "postgres",
		LogLevel: "info",
	}
}

// ConsumerConfig maps the settlement section onto the consumer settings.
func (c *Config) ConsumerConfig() pipeline.ConsumerConfig {
	s := c.Settlement
	return pipeline.ConsumerConfig{
		Stream:        s.RequestStream,
		OutcomeStream: s.OutcomeStream,
		BatchSize:     s.BatchSize,
		PollInterval:  s.PollInterval.Duration,
		LockTTL:       s.LockTTL.Duration,
		DedupTTL:      s.DedupTTL.Duration,
		RateLimit:     s.RateLimit,
		RateWindow:    s.RateWindow.Duration,
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"worker": true,
	"sweep":  true,
	"full":   true,
}

var validStores = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, sweep, full)", c.Mode))
	}
	if !validStores[strings.ToLower(c.Store)] {
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: postgres, memory)", c.Store))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.ToLower(c.Store) == "postgres" {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.ArchiveEnabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive_enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive_enabled")
		}
	}

	// Ledger
	if c.Ledger.MaxRetries < 0 {
		errs = append(errs, "ledger: max_retries must be >= 0")
	}

	// Settlement
	if c.Settlement.RequestStream == "" || c.Settlement.OutcomeStream == "" {
		errs = append(errs, "settlement: request_stream and outcome_stream must be set")
	}
	if c.Settlement.RequestStream != "" && c.Settlement.RequestStream == c.Settlement.OutcomeStream {
		errs = append(errs, "settlement: request_stream and outcome_stream must differ")
	}
	if c.Settlement.RateLimit < 0 {
		errs = append(errs, "settlement: rate_limit must be >= 0")
	}

	// Sweep
	if c.Sweep.Schedule != "" {
		if _, err := pipeline.ParseSchedule(c.Sweep.Schedule); err != nil {
			errs = append(errs, "sweep: "+err.Error())
		}
	}
	if strings.ToLower(c.Mode) == "sweep" && c.Sweep.Schedule == "" && !c.Sweep.OnStart {
		errs = append(errs, "sweep: mode sweep needs a schedule or on_start")
	}

	// Server
	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty when enabled")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
