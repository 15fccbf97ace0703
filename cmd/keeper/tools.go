package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/marketkeeper/internal/app"
	"github.com/alanyoungcy/marketkeeper/internal/config"
	"github.com/alanyoungcy/marketkeeper/internal/crypto"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			out := config.RedactedConfig(cfg)
			if err := toml.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			return nil
		},
	}
}

func newEncryptKeyCmd(opts *rootOptions) *cobra.Command {
	var out, password string
	cmd := &cobra.Command{
		Use:   "encrypt-key",
		Short: "Encrypt the configured relayer key into a file for encrypted_key_path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			if password == "" {
				password = cfg.Ledger.KeyPassword
			}
			if password == "" {
				return errors.New("a password is required (--password or KEEPER_LEDGER_KEY_PASSWORD)")
			}
			seed, err := crypto.LoadSeed(crypto.KeyConfig{
				RawKey:      cfg.Ledger.PrivateKey,
				KeypairPath: cfg.Ledger.KeypairPath,
			})
			if err != nil {
				return err
			}
			blob, err := crypto.EncryptSeed(seed, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, blob, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "encrypted key written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "relayer.key.enc", "output file")
	cmd.Flags().StringVar(&password, "password", "", "encryption password")
	return cmd
}

func newDeriveCmd(opts *rootOptions) *cobra.Command {
	var asset, timeframe, expiry string
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Print the program addresses of a market",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			d, err := app.Deriver(cfg)
			if err != nil {
				return err
			}
			a := domain.Asset(asset)
			if !domain.ValidAsset(a) {
				return fmt.Errorf("unknown asset %q", asset)
			}
			if _, err := domain.Timeframe(timeframe).Duration(); err != nil {
				return err
			}
			at, err := time.Parse(time.RFC3339, expiry)
			if err != nil {
				return fmt.Errorf("expiry: %w", err)
			}

			global, err := d.Global()
			if err != nil {
				return err
			}
			market, err := d.Market(asset, timeframe, at)
			if err != nil {
				return err
			}
			vault, err := d.Vault(market)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "global: %s\n", global)
			fmt.Fprintf(w, "market: %s\n", market)
			fmt.Fprintf(w, "vault:  %s\n", vault)
			return nil
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "BTC", "market asset")
	cmd.Flags().StringVar(&timeframe, "timeframe", "5m", "market timeframe")
	cmd.Flags().StringVar(&expiry, "expiry", "", "expiry time (RFC3339)")
	_ = cmd.MarkFlagRequired("expiry")
	return cmd
}
