package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", safe
// to log.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.KeeperWallet.PrivateKey)
	redact(&out.KeeperWallet.KeyPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Notify.WebhookSecret)

	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
