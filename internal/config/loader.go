package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "PERPS_"

// Load layers, lowest first: built-in defaults, the TOML file at path (when
// path is non-empty), then PERPS_* environment variables, including any
// from a .env file. The result is normalized but not validated; call
// Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	// Decoding replaces map entries wholesale, so venues are merged by hand.
	defaultVenues := cfg.Venues
	cfg.Venues = nil

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.Venues = mergeVenues(defaultVenues, cfg.Venues)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	normalize(&cfg)

	return &cfg, nil
}

// mergeVenues overlays the decoded venues on the defaults. Zero fields of a
// decoded venue keep the default value, except Enabled which is explicit.
func mergeVenues(defaults, decoded map[string]VenueConfig) map[string]VenueConfig {
	out := make(map[string]VenueConfig, len(defaults)+len(decoded))
	for name, v := range defaults {
		out[name] = v
	}
	for name, v := range decoded {
		name = strings.ToUpper(strings.TrimSpace(name))
		base, ok := out[name]
		if !ok {
			out[name] = v
			continue
		}
		base.Enabled = v.Enabled
		if v.BaseURL != "" {
			base.BaseURL = v.BaseURL
		}
		if v.Fee != 0 {
			base.Fee = v.Fee
		}
		if v.MaxLeverage != 0 {
			base.MaxLeverage = v.MaxLeverage
		}
		if v.Timeout.Duration != 0 {
			base.Timeout = v.Timeout
		}
		if v.MaxRetries != 0 {
			base.MaxRetries = v.MaxRetries
		}
		if v.APIKey != "" {
			base.APIKey = v.APIKey
		}
		if v.APISecret != "" {
			base.APISecret = v.APISecret
		}
		if v.ChainID != 0 {
			base.ChainID = v.ChainID
		}
		if v.VerifyingContract != "" {
			base.VerifyingContract = v.VerifyingContract
		}
		if v.DomainName != "" {
			base.DomainName = v.DomainName
		}
		out[name] = base
	}
	return out
}

func normalize(cfg *Config) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Engine.PoolMode = strings.ToLower(strings.TrimSpace(cfg.Engine.PoolMode))
	cfg.Engine.DefaultVenue = strings.ToUpper(strings.TrimSpace(cfg.Engine.DefaultVenue))
	cfg.Feed.Source = strings.ToLower(strings.TrimSpace(cfg.Feed.Source))
	cfg.Snapshot.Backend = strings.ToLower(strings.TrimSpace(cfg.Snapshot.Backend))
	cfg.Events.Backend = strings.ToLower(strings.TrimSpace(cfg.Events.Backend))

	seen := make(map[string]bool, len(cfg.Engine.Instruments))
	instruments := cfg.Engine.Instruments[:0]
	for _, s := range cfg.Engine.Instruments {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		instruments = append(instruments, s)
	}
	cfg.Engine.Instruments = instruments
}

// envReader applies PERPS_* overrides. Unset or empty variables leave the
// field alone; malformed values are collected so Load can reject them.
type envReader struct {
	prefix string
	bad    []string
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(e.prefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// envParse sets *dst from the variable when it parses.
func envParse[T any](e *envReader, dst *T, key string, parse func(string) (T, error)) {
	raw, ok := e.lookup(key)
	if !ok {
		return
	}
	v, err := parse(raw)
	if err != nil {
		e.bad = append(e.bad, fmt.Sprintf("%s%s=%q", e.prefix, key, raw))
		return
	}
	*dst = v
}

func (e *envReader) str(dst *string, key string) {
	envParse(e, dst, key, func(s string) (string, error) { return s, nil })
}

func (e *envReader) integer(dst *int, key string) { envParse(e, dst, key, strconv.Atoi) }

func (e *envReader) float(dst *float64, key string) {
	envParse(e, dst, key, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (e *envReader) flag(dst *bool, key string) { envParse(e, dst, key, strconv.ParseBool) }

func (e *envReader) dur(dst *duration, key string) { envParse(e, &dst.Duration, key, time.ParseDuration) }

// list splits a comma-separated value, dropping blanks.
func (e *envReader) list(dst *[]string, key string) {
	envParse(e, dst, key, func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if len(out) == 0 {
			return nil, errors.New("empty list")
		}
		return out, nil
	})
}

func (e *envReader) err() error {
	if len(e.bad) == 0 {
		return nil
	}
	return fmt.Errorf("config: malformed environment: %s", strings.Join(e.bad, ", "))
}

// applyEnvOverrides lets deployments inject secrets and tune settings
// without editing the TOML file.
func applyEnvOverrides(cfg *Config) error {
	e := &envReader{prefix: envPrefix}

	eng := &cfg.Engine
	e.integer(&eng.MinLeverage, "ENGINE_MIN_LEVERAGE")
	e.integer(&eng.MaxLeverage, "ENGINE_MAX_LEVERAGE")
	e.float(&eng.LiquidationThreshold, "ENGINE_LIQUIDATION_THRESHOLD")
	e.float(&eng.LiquidationFee, "ENGINE_LIQUIDATION_FEE")
	e.float(&eng.TradingFee, "ENGINE_TRADING_FEE")
	e.float(&eng.MaxOpenInterest, "ENGINE_MAX_OPEN_INTEREST")
	e.integer(&eng.MaxPositionsPerInstrument, "ENGINE_MAX_POSITIONS_PER_INSTRUMENT")
	e.integer(&eng.HistoryLimit, "ENGINE_HISTORY_LIMIT")
	e.float(&eng.InitialCapital, "ENGINE_INITIAL_CAPITAL")
	e.str(&eng.PoolMode, "ENGINE_POOL_MODE")
	e.str(&eng.DefaultVenue, "ENGINE_DEFAULT_VENUE")
	e.list(&eng.Instruments, "ENGINE_INSTRUMENTS")
	e.dur(&eng.FundingInterval, "ENGINE_FUNDING_INTERVAL")
	e.dur(&eng.LiquidationInterval, "ENGINE_LIQUIDATION_INTERVAL")
	e.dur(&eng.TPSLInterval, "ENGINE_TPSL_INTERVAL")
	e.dur(&eng.PriceSyncInterval, "ENGINE_PRICE_SYNC_INTERVAL")
	e.dur(&eng.FundingSyncInterval, "ENGINE_FUNDING_SYNC_INTERVAL")
	e.dur(&eng.PriceMaxAge, "ENGINE_PRICE_MAX_AGE")

	// PERPS_VENUES_<NAME>_<FIELD>
	for name, v := range cfg.Venues {
		k := "VENUES_" + name + "_"
		e.flag(&v.Enabled, k+"ENABLED")
		e.str(&v.BaseURL, k+"BASE_URL")
		e.float(&v.Fee, k+"FEE")
		e.str(&v.APIKey, k+"API_KEY")
		e.str(&v.APISecret, k+"API_SECRET")
		e.str(&v.VerifyingContract, k+"VERIFYING_CONTRACT")
		cfg.Venues[name] = v
	}

	e.str(&cfg.Wallet.PrivateKey, "WALLET_PRIVATE_KEY")
	e.str(&cfg.Wallet.EncryptedKeyPath, "WALLET_ENCRYPTED_KEY_PATH")
	e.str(&cfg.Wallet.KeyPassword, "WALLET_KEY_PASSWORD")

	e.str(&cfg.Feed.Source, "FEED_SOURCE")
	e.str(&cfg.Feed.SpotHost, "FEED_SPOT_HOST")
	e.str(&cfg.Feed.FuturesHost, "FEED_FUTURES_HOST")
	e.str(&cfg.Feed.StreamHost, "FEED_STREAM_HOST")
	e.flag(&cfg.Feed.MirrorToCache, "FEED_MIRROR_TO_CACHE")
	e.flag(&cfg.Feed.Publish, "FEED_PUBLISH")

	e.str(&cfg.Snapshot.Backend, "SNAPSHOT_BACKEND")
	e.str(&cfg.Snapshot.Path, "SNAPSHOT_PATH")
	e.str(&cfg.Snapshot.ArchivePrefix, "SNAPSHOT_ARCHIVE_PREFIX")
	e.dur(&cfg.Snapshot.ArchiveInterval, "SNAPSHOT_ARCHIVE_INTERVAL")

	db := &cfg.Supabase
	e.flag(&db.Enabled, "SUPABASE_ENABLED")
	e.str(&db.DSN, "SUPABASE_DSN")
	e.str(&db.DSN, "DATABASE_URL")
	e.str(&db.Host, "SUPABASE_HOST")
	e.integer(&db.Port, "SUPABASE_PORT")
	e.str(&db.Database, "SUPABASE_DATABASE")
	e.str(&db.User, "SUPABASE_USER")
	e.str(&db.Password, "SUPABASE_PASSWORD")
	e.str(&db.SSLMode, "SUPABASE_SSL_MODE")
	e.flag(&db.RunMigrations, "SUPABASE_RUN_MIGRATIONS")

	e.flag(&cfg.Redis.Enabled, "REDIS_ENABLED")
	e.str(&cfg.Redis.Addr, "REDIS_ADDR")
	e.str(&cfg.Redis.Password, "REDIS_PASSWORD")
	e.integer(&cfg.Redis.DB, "REDIS_DB")
	e.flag(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	e.str(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	e.flag(&cfg.S3.Enabled, "S3_ENABLED")
	e.str(&cfg.S3.Endpoint, "S3_ENDPOINT")
	e.str(&cfg.S3.Region, "S3_REGION")
	e.str(&cfg.S3.Bucket, "S3_BUCKET")
	e.str(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	e.str(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	e.flag(&cfg.S3.UseSSL, "S3_USE_SSL")
	e.flag(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	e.str(&cfg.Events.Backend, "EVENTS_BACKEND")
	e.str(&cfg.Events.NATSURL, "EVENTS_NATS_URL")
	e.str(&cfg.Events.SubjectPrefix, "EVENTS_SUBJECT_PREFIX")

	e.flag(&cfg.Server.Enabled, "SERVER_ENABLED")
	e.integer(&cfg.Server.Port, "SERVER_PORT")
	e.list(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	e.str(&cfg.Server.APIKey, "SERVER_API_KEY")
	e.integer(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	e.str(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	e.str(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	e.str(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	e.list(&cfg.Notify.Events, "NOTIFY_EVENTS")

	e.str(&cfg.Mode, "MODE")
	e.str(&cfg.LogLevel, "LOG_LEVEL")

	// A platform-assigned PORT wins over the configured one.
	platform := &envReader{}
	platform.integer(&cfg.Server.Port, "PORT")

	return errors.Join(e.err(), platform.err())
}
