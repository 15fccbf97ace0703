package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/marketkeeper/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "keeper",
		Short:         "Binary market lifecycle keeper",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.toml", "path to configuration file (empty for env only)")

	root.AddCommand(
		newRunCmd(opts),
		newMigrateCmd(opts),
		newConfigCmd(opts),
		newEncryptKeyCmd(opts),
		newDeriveCmd(opts),
	)
	return root
}

// loadConfig loads and optionally validates the configuration.
func (o *rootOptions) loadConfig(validate bool) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", o.configPath, err)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the JSON logger. With a log file set, output goes to both
// stdout and a rotated file.
func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
