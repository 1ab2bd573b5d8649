package config

// Redacted returns a copy of c with sensitive fields replaced by the
// redaction placeholder "***". Use it when logging or printing the active
// configuration so secrets are never accidentally exposed. Slices and maps
// are copied so the result cannot be used to mutate c.
func (c *Config) Redacted() Config {
	out := *c

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	out.Venues = make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		redact(&v.APIKey)
		redact(&v.APISecret)
		out.Venues[name] = v
	}

	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Engine.Instruments = append([]string(nil), c.Engine.Instruments...)
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), c.Notify.Events...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
