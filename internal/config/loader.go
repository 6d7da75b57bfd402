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
// built-in defaults, applies LENDVAULT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LENDVAULT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LENDVAULT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LENDVAULT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LENDVAULT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LENDVAULT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LENDVAULT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LENDVAULT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LENDVAULT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LENDVAULT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LENDVAULT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LENDVAULT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LENDVAULT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LENDVAULT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LENDVAULT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LENDVAULT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LENDVAULT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LENDVAULT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LENDVAULT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LENDVAULT_S3_REGION")
	setStr(&cfg.S3.Bucket, "LENDVAULT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LENDVAULT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LENDVAULT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LENDVAULT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LENDVAULT_S3_FORCE_PATH_STYLE")

	// ── Chain ──
	setBool(&cfg.Chain.Enabled, "LENDVAULT_CHAIN_ENABLED")
	setStr(&cfg.Chain.RPCURL, "LENDVAULT_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "LENDVAULT_CHAIN_ID")
	setStr(&cfg.Chain.ContractAddress, "LENDVAULT_CHAIN_CONTRACT_ADDRESS")
	setStr(&cfg.Chain.PrivateKey, "LENDVAULT_CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "LENDVAULT_CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "LENDVAULT_CHAIN_KEY_PASSWORD")
	setDuration(&cfg.Chain.ConfirmTimeout, "LENDVAULT_CHAIN_CONFIRM_TIMEOUT")

	// ── Lending ──
	setBool(&cfg.Lending.MissingPriceDefault, "LENDVAULT_LENDING_MISSING_PRICE_DEFAULT")
	setDuration(&cfg.Lending.LockTTL, "LENDVAULT_LENDING_LOCK_TTL")
	setDuration(&cfg.Lending.AccrualInterval, "LENDVAULT_LENDING_ACCRUAL_INTERVAL")

	// ── Evaluator ──
	setDuration(&cfg.Evaluator.Interval, "LENDVAULT_EVALUATOR_INTERVAL")
	setDuration(&cfg.Evaluator.IntentDeadline, "LENDVAULT_EVALUATOR_INTENT_DEADLINE")
	setDuration(&cfg.Evaluator.ExpiryInterval, "LENDVAULT_EVALUATOR_EXPIRY_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LENDVAULT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LENDVAULT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "LENDVAULT_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LENDVAULT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LENDVAULT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "LENDVAULT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "LENDVAULT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "LENDVAULT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LENDVAULT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LENDVAULT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LENDVAULT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LENDVAULT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LENDVAULT_MODE")
	setStr(&cfg.LogLevel, "LENDVAULT_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
