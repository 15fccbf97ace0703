// Package config defines the keeper configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by KEEPER_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Markets    MarketsConfig    `toml:"markets"`
	PriceFeed  PriceFeedConfig  `toml:"pricefeed"`
	Settlement SettlementConfig `toml:"settlement"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
	LogFile    string           `toml:"log_file"`
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// StreamMaxLen caps the event stream; 0 keeps the default.
	StreamMaxLen int64 `toml:"stream_max_len"`
}

// S3Config holds the archive bucket. Export is off unless Enabled.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig holds the RPC endpoints, the program deployment and the
// relayer key.
type LedgerConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	WSURL            string   `toml:"ws_url"`
	Commitment       string   `toml:"commitment"`
	RPCRateLimit     int      `toml:"rpc_rate_limit"` // requests per second, 0 = unlimited
	ProgramID        string   `toml:"program_id"`
	Mint             string   `toml:"mint"`
	PrivateKey       string   `toml:"private_key"`
	KeypairPath      string   `toml:"keypair_path"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	ComputeUnitLimit uint32   `toml:"compute_unit_limit"`
	PriorityFee      uint64   `toml:"priority_fee"`
	ConfirmTimeout   duration `toml:"confirm_timeout"`
	MaxBatch         int      `toml:"max_batch"`
	SettleChunkSize  int      `toml:"settle_chunk_size"`
	SkipPreflight    bool     `toml:"skip_preflight"`
}

// MarketsConfig selects the markets the keeper runs and tunes the state
// machine.
type MarketsConfig struct {
	Assets         []string `toml:"assets"`
	Timeframes     []string `toml:"timeframes"`
	Lookahead      int      `toml:"lookahead"`
	MinLead        duration `toml:"min_lead"`
	VerifyAttempts int      `toml:"verify_attempts"`
	ArchiveGrace   duration `toml:"archive_grace"`
	BatchLimit     int      `toml:"batch_limit"`
	Concurrency    int      `toml:"concurrency"`
	OrderExpiryMax int      `toml:"order_expiry_batch"`
}

// PriceFeedConfig sets freshness limits and the fallback sources.
type PriceFeedConfig struct {
	ActivationMaxAge duration          `toml:"activation_max_age"`
	ResolutionMaxAge duration          `toml:"resolution_max_age"`
	ChainlinkRPC     string            `toml:"chainlink_rpc"`
	ChainlinkFeeds   map[string]string `toml:"chainlink_feeds"` // asset -> aggregator address
	MemoTTL          duration          `toml:"memo_ttl"`
	Static           map[string]string `toml:"static"` // asset -> decimal price
}

// SettlementConfig tunes the settlement pipeline.
type SettlementConfig struct {
	StaleAfter  duration `toml:"stale_after"`
	SweepLimit  int      `toml:"sweep_limit"`
	Concurrency int      `toml:"concurrency"`
}

// SchedulerConfig sets job cadence and the load guards.
type SchedulerConfig struct {
	CreatorInterval     duration `toml:"creator_interval"`
	ActivatorInterval   duration `toml:"activator_interval"`
	ResolverInterval    duration `toml:"resolver_interval"`
	SettlementInterval  duration `toml:"settlement_interval"`
	OrderExpiryInterval duration `toml:"order_expiry_interval"`
	ArchiverInterval    duration `toml:"archiver_interval"`
	ShedThreshold       int      `toml:"shed_threshold"`
	RetryAttempts       int      `toml:"retry_attempts"`
	RetryBase           duration `toml:"retry_base"`
	SingleInstance      bool     `toml:"single_instance"`
	LockTTL             duration `toml:"lock_ttl"`
}

// ServerConfig holds the operator HTTP surface.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds chat channels and the event types sent to them.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with every tunable at its production value.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "keeper",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  16,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "keeper-archive",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			RPCURL:           "http://localhost:8899",
			Commitment:       "confirmed",
			ComputeUnitLimit: 400_000,
			ConfirmTimeout:   duration{45 * time.Second},
			MaxBatch:         8,
			SettleChunkSize:  5,
		},
		Markets: MarketsConfig{
			Assets:         []string{"BTC", "ETH", "SOL"},
			Timeframes:     []string{"5m", "15m", "1h"},
			Lookahead:      2,
			MinLead:        duration{60 * time.Second},
			VerifyAttempts: 5,
			ArchiveGrace:   duration{10 * time.Minute},
			BatchLimit:     50,
			Concurrency:    8,
			OrderExpiryMax: 500,
		},
		PriceFeed: PriceFeedConfig{
			ActivationMaxAge: duration{15 * time.Second},
			ResolutionMaxAge: duration{60 * time.Second},
			MemoTTL:          duration{5 * time.Second},
		},
		Settlement: SettlementConfig{
			StaleAfter:  duration{2 * time.Minute},
			SweepLimit:  50,
			Concurrency: 4,
		},
		Scheduler: SchedulerConfig{
			CreatorInterval:     duration{30 * time.Second},
			ActivatorInterval:   duration{2 * time.Second},
			ResolverInterval:    duration{2 * time.Second},
			SettlementInterval:  duration{15 * time.Second},
			OrderExpiryInterval: duration{10 * time.Second},
			ArchiverInterval:    duration{60 * time.Second},
			ShedThreshold:       12,
			RetryAttempts:       3,
			RetryBase:           duration{500 * time.Millisecond},
			SingleInstance:      true,
			LockTTL:             duration{30 * time.Second},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Notify: NotifyConfig{
			Events: []string{string(domain.EventMarketResolved)},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

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

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if _, err := chain.ParsePublicKey(c.Ledger.ProgramID); err != nil {
		errs = append(errs, fmt.Sprintf("ledger: program_id: %v", err))
	}
	if _, err := chain.ParsePublicKey(c.Ledger.Mint); err != nil {
		errs = append(errs, fmt.Sprintf("ledger: mint: %v", err))
	}
	if c.Ledger.PrivateKey == "" && c.Ledger.KeypairPath == "" && c.Ledger.EncryptedKeyPath == "" {
		errs = append(errs, "ledger: one of private_key, keypair_path or encrypted_key_path must be set")
	}
	if c.Ledger.EncryptedKeyPath != "" && c.Ledger.KeyPassword == "" {
		errs = append(errs, "ledger: key_password is required when encrypted_key_path is set")
	}
	if c.Ledger.SettleChunkSize < 1 {
		errs = append(errs, "ledger: settle_chunk_size must be >= 1")
	}

	if _, err := c.Assets(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.Timeframes(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Markets.Lookahead < 1 {
		errs = append(errs, "markets: lookahead must be >= 1")
	}
	if c.Markets.MinLead.Duration < 60*time.Second {
		errs = append(errs, "markets: min_lead must be at least 60s")
	}

	if _, err := c.StaticPrices(); err != nil {
		errs = append(errs, err.Error())
	}
	for asset := range c.PriceFeed.ChainlinkFeeds {
		if !domain.ValidAsset(domain.Asset(asset)) {
			errs = append(errs, fmt.Sprintf("pricefeed: chainlink feed for unknown asset %q", asset))
		}
	}
	if len(c.PriceFeed.ChainlinkFeeds) > 0 && c.PriceFeed.ChainlinkRPC == "" {
		errs = append(errs, "pricefeed: chainlink_rpc is required when chainlink_feeds are set")
	}

	if c.Scheduler.ShedThreshold < 0 {
		errs = append(errs, "scheduler: shed_threshold must be >= 0")
	}
	if c.Scheduler.ShedThreshold > c.Postgres.PoolMaxConns {
		errs = append(errs, "scheduler: shed_threshold above pool_max_conns never triggers")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Assets returns the configured assets as domain values.
func (c *Config) Assets() ([]domain.Asset, error) {
	if len(c.Markets.Assets) == 0 {
		return nil, fmt.Errorf("markets: assets must not be empty")
	}
	out := make([]domain.Asset, 0, len(c.Markets.Assets))
	for _, a := range c.Markets.Assets {
		asset := domain.Asset(strings.ToUpper(strings.TrimSpace(a)))
		if !domain.ValidAsset(asset) {
			return nil, fmt.Errorf("markets: unknown asset %q", a)
		}
		out = append(out, asset)
	}
	return out, nil
}

// Timeframes returns the configured timeframes as domain values.
func (c *Config) Timeframes() ([]domain.Timeframe, error) {
	if len(c.Markets.Timeframes) == 0 {
		return nil, fmt.Errorf("markets: timeframes must not be empty")
	}
	out := make([]domain.Timeframe, 0, len(c.Markets.Timeframes))
	for _, s := range c.Markets.Timeframes {
		tf := domain.Timeframe(strings.TrimSpace(s))
		if _, err := tf.Duration(); err != nil {
			return nil, fmt.Errorf("markets: unknown timeframe %q", s)
		}
		out = append(out, tf)
	}
	return out, nil
}

// StaticPrices parses the last-resort activation prices.
func (c *Config) StaticPrices() (map[domain.Asset]decimal.Decimal, error) {
	out := make(map[domain.Asset]decimal.Decimal, len(c.PriceFeed.Static))
	for a, s := range c.PriceFeed.Static {
		asset := domain.Asset(strings.ToUpper(a))
		if !domain.ValidAsset(asset) {
			return nil, fmt.Errorf("pricefeed: static price for unknown asset %q", a)
		}
		d, err := decimal.NewFromString(s)
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("pricefeed: static price %q for %s must be a positive decimal", s, a)
		}
		out[asset] = d
	}
	return out, nil
}

// ChainlinkFeeds returns the aggregator address per asset.
func (c *Config) ChainlinkFeeds() map[domain.Asset]string {
	out := make(map[domain.Asset]string, len(c.PriceFeed.ChainlinkFeeds))
	for a, addr := range c.PriceFeed.ChainlinkFeeds {
		out[domain.Asset(strings.ToUpper(a))] = addr
	}
	return out
}
