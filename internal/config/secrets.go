package config

import "maps"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Ledger.PrivateKey)
	redact(&out.Ledger.KeyPassword)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// RPC URLs often embed provider keys.
	redact(&out.PriceFeed.ChainlinkRPC)

	out.Markets.Assets = append([]string(nil), cfg.Markets.Assets...)
	out.Markets.Timeframes = append([]string(nil), cfg.Markets.Timeframes...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.PriceFeed.ChainlinkFeeds = maps.Clone(cfg.PriceFeed.ChainlinkFeeds)
	out.PriceFeed.Static = maps.Clone(cfg.PriceFeed.Static)

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
