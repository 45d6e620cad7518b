package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	s3blob "github.com/alanyoungcy/tokenledger/internal/blob/s3"
	"github.com/alanyoungcy/tokenledger/internal/cache/redis"
	"github.com/alanyoungcy/tokenledger/internal/config"
	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/metrics"
	"github.com/alanyoungcy/tokenledger/internal/notify"
	"github.com/alanyoungcy/tokenledger/internal/pipeline"
	"github.com/alanyoungcy/tokenledger/internal/server"
	"github.com/alanyoungcy/tokenledger/internal/store/memory"
	"github.com/alanyoungcy/tokenledger/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Store   domain.Store
	Markets domain.MarketProvider
	Audit   domain.AuditStore

	// Coordination. Limiter is nil without Redis.
	Bus        domain.SignalBus
	Subscriber domain.Subscriber
	Locks      domain.LockManager
	Limiter    domain.RateLimiter

	// Archival, nil unless s3.archive_enabled.
	DistributionArchiver domain.DistributionArchiver
	ReportArchiver       pipeline.ReportArchiver

	// Notifier has no senders unless a chat channel is configured.
	Notifier *notify.Notifier

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Checks   map[string]server.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	registry := prometheus.NewRegistry()
	deps := &Dependencies{
		Registry: registry,
		Metrics:  metrics.New(registry),
		Checks:   make(map[string]server.Check),
	}

	// --- Record store ---
	if strings.ToLower(cfg.Store) == "memory" {
		logger.Warn("using in-memory store; balances are lost on restart")
		mem := memory.New()
		deps.Store = mem
		deps.Markets = mem
		deps.Audit = memory.NewAuditLog(nil)
	} else {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Database.DSN,
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			SSLMode:         cfg.Database.SSLMode,
			MaxConns:        cfg.Database.PoolMaxConns,
			MinConns:        cfg.Database.PoolMinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Store = postgres.NewStore(pool)
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}

	// --- Redis (optional) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			TLSEnabled:  cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		bus := redis.NewSignalBus(redisClient, cfg.Redis.Block.Duration)
		deps.Bus = bus
		deps.Subscriber = bus
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Markets = redis.NewCachedMarkets(
			redis.NewMarketCache(redisClient, cfg.Redis.MarketTTL.Duration),
			deps.Markets,
		)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.Warn("redis.addr is empty; using in-process bus and locks")
		bus := memory.NewBus()
		deps.Bus = bus
		deps.Subscriber = bus
		deps.Locks = memory.NewLocks()
	}

	// --- S3 archive (optional) ---
	if cfg.S3.ArchiveEnabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		var opts []s3blob.ArchiverOption
		if cfg.S3.Prefix != "" {
			opts = append(opts, s3blob.WithPrefix(cfg.S3.Prefix))
		}
		if cfg.S3.MultipartThreshold > 0 {
			opts = append(opts, s3blob.WithMultipartThreshold(cfg.S3.MultipartThreshold))
		}
		archiver := s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), opts...)
		deps.DistributionArchiver = archiver
		deps.ReportArchiver = archiver
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, nil))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, nil))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
