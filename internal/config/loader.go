package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration from defaults, the TOML file at path and
// KEEPER_* environment overrides. An empty path skips the file; unknown keys
// in it are an error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, err
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			return nil, fmt.Errorf("config: unknown keys in %s: %v", path, unknown)
		}
	}

	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// postgres
	setStr(&cfg.Postgres.DSN, "KEEPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "KEEPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "KEEPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "KEEPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "KEEPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "KEEPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "KEEPER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "KEEPER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "KEEPER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KEEPER_POSTGRES_RUN_MIGRATIONS")

	// redis
	setStr(&cfg.Redis.Addr, "KEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KEEPER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "KEEPER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "KEEPER_REDIS_TLS_ENABLED")

	// s3
	setBool(&cfg.S3.Enabled, "KEEPER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "KEEPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KEEPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "KEEPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KEEPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KEEPER_S3_SECRET_KEY")

	// ledger
	setStr(&cfg.Ledger.RPCURL, "KEEPER_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.WSURL, "KEEPER_LEDGER_WS_URL")
	setStr(&cfg.Ledger.Commitment, "KEEPER_LEDGER_COMMITMENT")
	setInt(&cfg.Ledger.RPCRateLimit, "KEEPER_LEDGER_RPC_RATE_LIMIT")
	setStr(&cfg.Ledger.ProgramID, "KEEPER_LEDGER_PROGRAM_ID")
	setStr(&cfg.Ledger.Mint, "KEEPER_LEDGER_MINT")
	setStr(&cfg.Ledger.PrivateKey, "KEEPER_LEDGER_PRIVATE_KEY")
	setStr(&cfg.Ledger.KeypairPath, "KEEPER_LEDGER_KEYPAIR_PATH")
	setStr(&cfg.Ledger.EncryptedKeyPath, "KEEPER_LEDGER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Ledger.KeyPassword, "KEEPER_LEDGER_KEY_PASSWORD")
	setUint64(&cfg.Ledger.PriorityFee, "KEEPER_LEDGER_PRIORITY_FEE")
	setDuration(&cfg.Ledger.ConfirmTimeout, "KEEPER_LEDGER_CONFIRM_TIMEOUT")
	setBool(&cfg.Ledger.SkipPreflight, "KEEPER_LEDGER_SKIP_PREFLIGHT")

	// markets
	setStringSlice(&cfg.Markets.Assets, "KEEPER_MARKETS_ASSETS")
	setStringSlice(&cfg.Markets.Timeframes, "KEEPER_MARKETS_TIMEFRAMES")
	setInt(&cfg.Markets.Lookahead, "KEEPER_MARKETS_LOOKAHEAD")
	setDuration(&cfg.Markets.ArchiveGrace, "KEEPER_MARKETS_ARCHIVE_GRACE")

	// pricefeed
	setStr(&cfg.PriceFeed.ChainlinkRPC, "KEEPER_PRICEFEED_CHAINLINK_RPC")
	setDuration(&cfg.PriceFeed.ActivationMaxAge, "KEEPER_PRICEFEED_ACTIVATION_MAX_AGE")
	setDuration(&cfg.PriceFeed.ResolutionMaxAge, "KEEPER_PRICEFEED_RESOLUTION_MAX_AGE")

	// scheduler
	setInt(&cfg.Scheduler.ShedThreshold, "KEEPER_SCHEDULER_SHED_THRESHOLD")
	setBool(&cfg.Scheduler.SingleInstance, "KEEPER_SCHEDULER_SINGLE_INSTANCE")

	// server
	setBool(&cfg.Server.Enabled, "KEEPER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "KEEPER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "KEEPER_SERVER_API_KEY")

	// notify
	setStr(&cfg.Notify.TelegramToken, "KEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "KEEPER_NOTIFY_EVENTS")

	setStr(&cfg.LogLevel, "KEEPER_LOG_LEVEL")
	setStr(&cfg.LogFile, "KEEPER_LOG_FILE")
}

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
