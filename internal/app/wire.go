package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	s3blob "github.com/alanyoungcy/marketkeeper/internal/blob/s3"
	"github.com/alanyoungcy/marketkeeper/internal/cache/redis"
	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/chain/rpc"
	"github.com/alanyoungcy/marketkeeper/internal/config"
	"github.com/alanyoungcy/marketkeeper/internal/crypto"
	"github.com/alanyoungcy/marketkeeper/internal/notify"
	"github.com/alanyoungcy/marketkeeper/internal/pricefeed"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
	"github.com/alanyoungcy/marketkeeper/internal/store/postgres"
)

// Dependencies bundles the infrastructure clients and the stores built on
// them. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	S3       *s3blob.Client // nil when export is disabled

	Markets     *postgres.MarketStore
	Orders      *postgres.OrderStore
	Positions   *postgres.PositionStore
	Users       *postgres.UserStore
	Settlements *postgres.SettlementStore

	Orderbook   *redis.Orderbook
	PriceCache  *redis.PriceCache
	RateLimiter *redis.RateLimiter
	LockManager *redis.LockManager
	SignalBus   *redis.SignalBus

	Node    *rpc.Client
	Relayer *relayer.Client
	Prices  *pricefeed.Feed
	Events  *notify.Dispatcher
}

// Wire constructs every dependency from cfg. On error, everything built so
// far is released before returning.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pg, err := postgres.New(ctx, postgres.ClientConfig{
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
		return fail("postgres", err)
	}
	closers = append(closers, pg.Close)
	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	pool := pg.Pool()
	deps.Postgres = pg
	deps.Markets = postgres.NewMarketStore(pool)
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Users = postgres.NewUserStore(pool)
	deps.Settlements = postgres.NewSettlementStore(pool)

	// --- Redis ---
	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = rc.Close() })
	deps.Redis = rc
	deps.Orderbook = redis.NewOrderbook(rc)
	deps.PriceCache = redis.NewPriceCache(rc)
	deps.RateLimiter = redis.NewRateLimiter(rc)
	deps.LockManager = redis.NewLockManager(rc)
	deps.SignalBus = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen)

	// --- S3 archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = sc
	}

	// --- Ledger ---
	seed, err := crypto.LoadSeed(crypto.KeyConfig{
		RawKey:           cfg.Ledger.PrivateKey,
		KeypairPath:      cfg.Ledger.KeypairPath,
		EncryptedKeyPath: cfg.Ledger.EncryptedKeyPath,
		KeyPassword:      cfg.Ledger.KeyPassword,
	})
	if err != nil {
		return fail("relayer key", err)
	}
	signer, err := chain.KeypairFromSeed(seed)
	if err != nil {
		return fail("relayer key", err)
	}
	deriver, err := Deriver(cfg)
	if err != nil {
		return fail("ledger program", err)
	}

	rpcOpts := []rpc.Option{
		rpc.WithCommitment(cfg.Ledger.Commitment),
		rpc.WithHTTPClient(&http.Client{Timeout: 20 * time.Second}),
	}
	if cfg.Ledger.RPCRateLimit > 0 {
		rpcOpts = append(rpcOpts, rpc.WithRateLimiter(deps.RateLimiter, cfg.Ledger.RPCRateLimit))
	}
	deps.Node = rpc.New(cfg.Ledger.RPCURL, rpcOpts...)

	var relayerOpts []relayer.Option
	if cfg.Ledger.WSURL != "" {
		relayerOpts = append(relayerOpts, relayer.WithWatcher(rpc.NewSignatureWatcher(cfg.Ledger.WSURL, cfg.Ledger.Commitment)))
	}
	deps.Relayer = relayer.New(deps.Node, signer, deriver, relayer.Config{
		ComputeUnitLimit: cfg.Ledger.ComputeUnitLimit,
		PriorityFee:      cfg.Ledger.PriorityFee,
		ConfirmTimeout:   cfg.Ledger.ConfirmTimeout.Duration,
		MaxBatch:         cfg.Ledger.MaxBatch,
		SettleChunkSize:  cfg.Ledger.SettleChunkSize,
		SkipPreflight:    cfg.Ledger.SkipPreflight,
	}, logger, relayerOpts...)
	logger.Info("relayer ready",
		slog.String("authority", deps.Relayer.Authority().String()),
		slog.String("program", deriver.Program.String()),
	)

	// --- Prices ---
	static, err := cfg.StaticPrices()
	if err != nil {
		return fail("pricefeed", err)
	}
	var fallback pricefeed.Source
	if feeds := cfg.ChainlinkFeeds(); len(feeds) > 0 {
		cl, err := pricefeed.DialChainlink(ctx, pricefeed.ChainlinkConfig{
			RPCURL:  cfg.PriceFeed.ChainlinkRPC,
			Feeds:   feeds,
			MemoTTL: cfg.PriceFeed.MemoTTL.Duration,
		})
		if err != nil {
			return fail("chainlink", err)
		}
		closers = append(closers, cl.Close)
		fallback = cl
	}
	deps.Prices = pricefeed.New(deps.PriceCache, fallback, pricefeed.Config{
		ActivationMaxAge: cfg.PriceFeed.ActivationMaxAge.Duration,
		ResolutionMaxAge: cfg.PriceFeed.ResolutionMaxAge.Duration,
		Static:           static,
	}, logger)

	// --- Events ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" {
		senders = append(senders, notify.Telegram{Token: cfg.Notify.TelegramToken, ChatID: cfg.Notify.TelegramChatID})
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.Discord{WebhookURL: cfg.Notify.DiscordWebhookURL})
	}
	deps.Events = notify.NewDispatcher(deps.SignalBus, senders, notify.Config{Events: cfg.Notify.Events}, logger)

	return deps, cleanup, nil
}

// Deriver returns the program address deriver for cfg.
func Deriver(cfg *config.Config) (chain.Deriver, error) {
	program, err := chain.ParsePublicKey(cfg.Ledger.ProgramID)
	if err != nil {
		return chain.Deriver{}, fmt.Errorf("program_id: %w", err)
	}
	mint, err := chain.ParsePublicKey(cfg.Ledger.Mint)
	if err != nil {
		return chain.Deriver{}, fmt.Errorf("mint: %w", err)
	}
	return chain.Deriver{Program: program, Mint: mint}, nil
}
