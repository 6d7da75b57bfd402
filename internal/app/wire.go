package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/lendvault/lendvault/internal/blob/s3"
	"github.com/lendvault/lendvault/internal/cache/redis"
	"github.com/lendvault/lendvault/internal/chain"
	"github.com/lendvault/lendvault/internal/config"
	"github.com/lendvault/lendvault/internal/crypto"
	"github.com/lendvault/lendvault/internal/domain"
	"github.com/lendvault/lendvault/internal/notify"
	"github.com/lendvault/lendvault/internal/service"
	"github.com/lendvault/lendvault/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	PolicyStore   domain.PolicyStore
	PriceStore    domain.PriceStore
	IntentStore   domain.IntentStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Chain settlement, nil when disabled.
	Submitter chain.Submitter

	// Services
	Ledger       *service.LedgerService
	Liquidations *service.LiquidationService
	Prices       *service.PriceService
	Policies     *service.PolicyService

	// Notifications
	Notifier *notify.Notifier
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

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.PolicyStore = postgres.NewPolicyStore(pool)
	deps.PriceStore = postgres.NewPriceStore(pool)
	deps.IntentStore = postgres.NewIntentStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only when archival is on) ---
	if cfg.Archive.Enabled {
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

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.PositionStore, deps.AuditStore, logger)
	}

	// --- Chain settlement ---
	if cfg.Chain.Enabled {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Chain.PrivateKey,
			EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
			KeyPassword:      cfg.Chain.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain key: %w", err)
		}

		chainClient, err := chain.NewClient(ctx, chain.ClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			ChainID:        cfg.Chain.ChainID,
			Contract:       cfg.Chain.ContractAddress,
			PrivateKeyHex:  keyHex,
			GasLimit:       cfg.Chain.GasLimit,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, chainClient.Close)
		deps.Submitter = chainClient
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Ledger = service.NewLedgerService(
		deps.PositionStore, deps.PolicyStore, deps.PriceStore,
		deps.AuditStore, deps.LockManager, deps.SignalBus,
		service.LedgerConfig{
			MissingPriceDefault: cfg.Lending.MissingPriceDefault,
			DefaultPrices:       cfg.Lending.DefaultPrices,
			LockTTL:             cfg.Lending.LockTTL.Duration,
		},
		logger,
	)
	deps.Liquidations = service.NewLiquidationService(
		deps.PositionStore, deps.PolicyStore, deps.PriceStore, deps.IntentStore,
		deps.Ledger, deps.Submitter, deps.AuditStore, deps.SignalBus, deps.Notifier,
		service.LiquidationConfig{
			IntentDeadline: cfg.Evaluator.IntentDeadline.Duration,
		},
		logger,
	)
	deps.Prices = service.NewPriceService(deps.PriceStore, deps.PriceCache, deps.AuditStore, deps.SignalBus, logger)
	deps.Policies = service.NewPolicyService(deps.PolicyStore, deps.AuditStore, logger)

	return deps, cleanup, nil
}
