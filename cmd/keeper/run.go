package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/marketkeeper/internal/app"
	"github.com/alanyoungcy/marketkeeper/internal/store/postgres"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, event dispatcher and HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application := app.New(cfg, logger)
			defer application.Close()

			if err := application.Run(ctx); err != nil {
				logger.Error("keeper exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("keeper stopped")
			return nil
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := cmd.Context()
			pg, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Postgres.DSN,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				SSLMode:  cfg.Postgres.SSLMode,
				MaxConns: 2,
			})
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.RunMigrations(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
