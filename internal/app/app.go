// Package app wires the keeper together and runs it: the lifecycle jobs
// under the scheduler, the event dispatcher and the operator HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketkeeper/internal/config"
	"github.com/alanyoungcy/marketkeeper/internal/lifecycle"
	"github.com/alanyoungcy/marketkeeper/internal/scheduler"
	"github.com/alanyoungcy/marketkeeper/internal/server"
	"github.com/alanyoungcy/marketkeeper/internal/server/handler"
	"github.com/alanyoungcy/marketkeeper/internal/settlement"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const schedulerLockKey = "scheduler"

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the scheduler, the event dispatcher and
// the HTTP server, and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting keeper",
		slog.String("version", Version),
		slog.Any("assets", a.cfg.Markets.Assets),
		slog.Any("timeframes", a.cfg.Markets.Timeframes),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	sched, err := a.buildScheduler(deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Events.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:   a.cfg.Server.Port,
			APIKey: a.cfg.Server.APIKey,
		}, server.Handlers{
			Health: handler.NewHealthHandler(a.healthChecks(deps), 3*time.Second, a.logger),
			Status: handler.NewStatusHandler(sched, deps.Markets, Version, a.logger),
		}, a.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) buildScheduler(deps *Dependencies) (*scheduler.Scheduler, error) {
	assets, err := a.cfg.Assets()
	if err != nil {
		return nil, err
	}
	timeframes, err := a.cfg.Timeframes()
	if err != nil {
		return nil, err
	}

	settler := settlement.New(
		deps.Markets, deps.Positions, deps.Users, deps.Settlements,
		deps.Relayer, deps.Events,
		settlement.Config{
			StaleAfter:  a.cfg.Settlement.StaleAfter.Duration,
			SweepLimit:  a.cfg.Settlement.SweepLimit,
			Concurrency: a.cfg.Settlement.Concurrency,
		}, a.logger)

	ld := lifecycle.Deps{
		Markets:     deps.Markets,
		Positions:   deps.Positions,
		Orders:      deps.Orders,
		Settlements: deps.Settlements,
		Book:        deps.Orderbook,
		Ledger:      deps.Relayer,
		Prices:      deps.Prices,
		Settler:     settler,
		Events:      deps.Events,
	}
	if deps.S3 != nil {
		ld.Exporter = deps.S3.Exporter()
	}
	machine := lifecycle.New(ld, lifecycle.Config{
		Assets:         assets,
		Timeframes:     timeframes,
		Lookahead:      a.cfg.Markets.Lookahead,
		MinLead:        a.cfg.Markets.MinLead.Duration,
		VerifyAttempts: a.cfg.Markets.VerifyAttempts,
		ArchiveGrace:   a.cfg.Markets.ArchiveGrace.Duration,
		BatchLimit:     a.cfg.Markets.BatchLimit,
		Concurrency:    a.cfg.Markets.Concurrency,
	}, a.logger)
	expiry := lifecycle.NewOrderExpiry(deps.Orders, deps.Orderbook, a.cfg.Markets.OrderExpiryMax, a.logger)

	sc := a.cfg.Scheduler
	jobs, err := scheduler.Jobs(machine, settler, expiry, scheduler.Intervals{
		Creator:     sc.CreatorInterval.Duration,
		Activator:   sc.ActivatorInterval.Duration,
		Resolver:    sc.ResolverInterval.Duration,
		Settlement:  sc.SettlementInterval.Duration,
		OrderExpiry: sc.OrderExpiryInterval.Duration,
		Archiver:    sc.ArchiverInterval.Duration,
	})
	if err != nil {
		return nil, err
	}

	lockKey := ""
	if sc.SingleInstance {
		lockKey = schedulerLockKey
	}
	return scheduler.New(jobs, deps.Postgres, deps.LockManager, scheduler.Config{
		ShedThreshold: sc.ShedThreshold,
		RetryAttempts: sc.RetryAttempts,
		RetryBase:     sc.RetryBase.Duration,
		LockKey:       lockKey,
		LockTTL:       sc.LockTTL.Duration,
	}, a.logger), nil
}

func (a *App) healthChecks(deps *Dependencies) map[string]handler.Check {
	checks := map[string]handler.Check{
		"postgres": deps.Postgres.Ping,
		"redis":    deps.Redis.Ping,
		"ledger": func(ctx context.Context) error {
			_, _, err := deps.Node.GetLatestBlockhash(ctx)
			return err
		},
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}
	return checks
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
