package config

// RedactedConfig returns a copy of cfg with credentials replaced by "***",
// safe to log.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Feed.AppKey)
	redact(&out.Feed.SessionToken)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	if cfg.Sink.Backends != nil {
		out.Sink.Backends = append([]string(nil), cfg.Sink.Backends...)
	}
	if cfg.Notify.States != nil {
		out.Notify.States = append([]string(nil), cfg.Notify.States...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
