// Package config defines the top-level configuration for the perpetuals
// engine and provides validation helpers.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPS_* environment variables.
type Config struct {
	Mode     string                 `toml:"mode"`
	LogLevel string                 `toml:"log_level"`
	Engine   EngineConfig           `toml:"engine"`
	Venues   map[string]VenueConfig `toml:"venues"`
	Wallet   WalletConfig           `toml:"wallet"`
	Feed     FeedConfig             `toml:"feed"`
	Snapshot SnapshotConfig         `toml:"snapshot"`
	Supabase SupabaseConfig         `toml:"supabase"`
	Redis    RedisConfig            `toml:"redis"`
	S3       S3Config               `toml:"s3"`
	Events   EventsConfig           `toml:"events"`
	Server   ServerConfig           `toml:"server"`
	Notify   NotifyConfig           `toml:"notify"`
}

// EngineConfig holds the risk parameters and sweep timings.
type EngineConfig struct {
	MinLeverage               int      `toml:"min_leverage"`
	MaxLeverage               int      `toml:"max_leverage"`
	LiquidationThreshold      float64  `toml:"liquidation_threshold"`
	LiquidationFee            float64  `toml:"liquidation_fee"`
	TradingFee                float64  `toml:"trading_fee"`
	MaxOpenInterest           float64  `toml:"max_open_interest"`
	MaxPositionsPerInstrument int      `toml:"max_positions_per_instrument"`
	HistoryLimit              int      `toml:"history_limit"`
	DefaultHistory            int      `toml:"default_history"`
	InitialCapital            float64  `toml:"initial_capital"`
	PoolMode                  string   `toml:"pool_mode"`
	DefaultVenue              string   `toml:"default_venue"`
	Instruments               []string `toml:"instruments"`

	FundingInterval     duration `toml:"funding_interval"`
	LiquidationInterval duration `toml:"liquidation_interval"`
	TPSLInterval        duration `toml:"tpsl_interval"`
	PriceSyncInterval   duration `toml:"price_sync_interval"`
	FundingSyncInterval duration `toml:"funding_sync_interval"`
	PriceMaxAge         duration `toml:"price_max_age"`
	DedupTTL            duration `toml:"dedup_ttl"`
	CommandBuffer       int      `toml:"command_buffer"`
	EventBuffer         int      `toml:"event_buffer"`
}

// VenueConfig describes one execution venue. A zero fee falls back to the
// engine trading fee and a zero max_leverage to the engine bound.
type VenueConfig struct {
	Enabled           bool     `toml:"enabled"`
	BaseURL           string   `toml:"base_url"`
	Fee               float64  `toml:"fee"`
	MaxLeverage       int      `toml:"max_leverage"`
	Timeout           duration `toml:"timeout"`
	MaxRetries        int      `toml:"max_retries"`
	APIKey            string   `toml:"api_key"`
	APISecret         string   `toml:"api_secret"`
	ChainID           int64    `toml:"chain_id"`
	VerifyingContract string   `toml:"verifying_contract"`
	DomainName        string   `toml:"domain_name"`
}

// WalletConfig holds the key used to sign venue orders.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// HasKey reports whether any key source is configured.
func (w WalletConfig) HasKey() bool {
	return w.PrivateKey != "" || w.EncryptedKeyPath != ""
}

// Feed sources.
const (
	FeedBinanceREST = "binance_rest"
	FeedBinanceWS   = "binance_ws"
	FeedRedis       = "redis"
)

// FeedConfig selects where prices and funding rates come from.
type FeedConfig struct {
	Source        string   `toml:"source"`
	SpotHost      string   `toml:"spot_host"`
	FuturesHost   string   `toml:"futures_host"`
	StreamHost    string   `toml:"stream_host"`
	Timeout       duration `toml:"timeout"`
	MirrorToCache bool     `toml:"mirror_to_cache"`
	Publish       bool     `toml:"publish"`
	CacheTTL      duration `toml:"cache_ttl"`
}

// Snapshot backends.
const (
	SnapshotFile  = "file"
	SnapshotRedis = "redis"
)

// SnapshotConfig controls engine state persistence and archival.
type SnapshotConfig struct {
	Backend         string   `toml:"backend"`
	Path            string   `toml:"path"`
	MaxAttempts     int      `toml:"max_attempts"`
	RetryBase       duration `toml:"retry_base"`
	RetryMax        duration `toml:"retry_max"`
	FlushTimeout    duration `toml:"flush_timeout"`
	ArchivePrefix   string   `toml:"archive_prefix"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters for the
// history archive and audit log.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// Event bus backends.
const (
	EventsNone  = "none"
	EventsRedis = "redis"
	EventsNATS  = "nats"
)

// EventsConfig selects the bus engine events are published on.
type EventsConfig struct {
	Backend       string `toml:"backend"`
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	StreamMaxLen  int64  `toml:"stream_max_len"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Enabled reports whether any sender is configured.
func (n NotifyConfig) Enabled() bool {
	return (n.TelegramToken != "" && n.TelegramChatID != "") || n.DiscordWebhookURL != ""
}

// DefaultInstruments are the Binance USDT pairs priced by default.
var DefaultInstruments = []string{
	"BTC", "ETH", "SOL", "ARB", "LINK", "DOGE", "XRP", "ADA", "AVAX", "OP",
	"AAVE", "CRV", "UNI", "MKR", "LDO", "MATIC", "SUI", "APT", "NEAR", "FTM",
	"TIA", "INJ", "SEI", "PENDLE", "ENA", "WIF", "PEPE", "BONK", "JUP",
	"RENDER", "STX", "IMX", "GALA", "AXS", "SAND", "ENJ",
}

// Venue names known to the engine.
const (
	VenuePaper       = "PAPER"
	VenueGMX         = "GMX"
	VenueHyperliquid = "HYPERLIQUID"
)

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Engine: EngineConfig{
			MinLeverage:               1,
			MaxLeverage:               50,
			LiquidationThreshold:      0.9,
			LiquidationFee:            0.1,
			TradingFee:                0.0005,
			MaxOpenInterest:           1_000_000,
			MaxPositionsPerInstrument: 3,
			HistoryLimit:              500,
			DefaultHistory:            100,
			InitialCapital:            100_000,
			PoolMode:                  "simulated",
			DefaultVenue:              VenuePaper,
			Instruments:               append([]string(nil), DefaultInstruments...),
			FundingInterval:           duration{8 * time.Hour},
			LiquidationInterval:       duration{2 * time.Second},
			TPSLInterval:              duration{2 * time.Second},
			PriceSyncInterval:         duration{5 * time.Second},
			FundingSyncInterval:       duration{60 * time.Second},
			PriceMaxAge:               duration{2 * time.Minute},
			DedupTTL:                  duration{10 * time.Minute},
			CommandBuffer:             64,
			EventBuffer:               256,
		},
		Venues: map[string]VenueConfig{
			VenuePaper: {Enabled: true, Fee: 0.0005, MaxLeverage: 50},
			VenueGMX: {
				Enabled: true, Fee: 0.0005, MaxLeverage: 50,
				Timeout: duration{5 * time.Second}, MaxRetries: 2,
				ChainID: 42161, DomainName: "GMX Relay",
			},
			VenueHyperliquid: {
				Enabled: true, Fee: 0.00025, MaxLeverage: 50,
				Timeout: duration{5 * time.Second}, MaxRetries: 2,
				ChainID: 1337, DomainName: "Hyperliquid Relay",
			},
		},
		Feed: FeedConfig{
			Source:        FeedBinanceREST,
			Timeout:       duration{10 * time.Second},
			MirrorToCache: false,
			CacheTTL:      duration{5 * time.Minute},
		},
		Snapshot: SnapshotConfig{
			Backend:         SnapshotFile,
			Path:            "data/perps-state.json",
			MaxAttempts:     5,
			RetryBase:       duration{200 * time.Millisecond},
			RetryMax:        duration{10 * time.Second},
			FlushTimeout:    duration{5 * time.Second},
			ArchivePrefix:   "perpengine",
			ArchiveInterval: duration{time.Hour},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "perps:",
			LockTTL:    duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpengine-data",
			ForcePathStyle: true,
		},
		Events: EventsConfig{
			Backend:       EventsNone,
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "perps",
			StreamMaxLen:  10_000,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Second},
		},
	}
}

// NeedsRedis reports whether any enabled component depends on Redis.
func (c *Config) NeedsRedis() bool {
	return c.Mode == "feed" ||
		c.Feed.Source == FeedRedis ||
		c.Feed.MirrorToCache ||
		c.Snapshot.Backend == SnapshotRedis ||
		c.Events.Backend == EventsRedis ||
		(c.Server.Enabled && c.Server.RateLimit > 0)
}

// problems collects validation failures so Validate reports all of them.
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

// check records the message when bad is true.
func (p *problems) check(bad bool, format string, args ...any) {
	if bad {
		p.addf(format, args...)
	}
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("config: %d problem(s):\n  - %s", len(p), strings.Join(p, "\n  - "))
}

func validPort(n int) bool { return n > 0 && n <= 65535 }

// Validate reports every invalid or inconsistent setting at once.
func (c *Config) Validate() error {
	var p problems
	p.check(!slices.Contains([]string{"full", "engine", "feed"}, c.Mode),
		"unknown mode %q (valid: full, engine, feed)", c.Mode)
	p.check(!slices.Contains([]string{"debug", "info", "warn", "error"}, c.LogLevel),
		"unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)

	c.validateEngine(&p)
	c.validateVenues(&p)
	c.validateFeed(&p)
	c.validateStorage(&p)
	c.validateTransport(&p)
	return p.err()
}

func (c *Config) validateEngine(p *problems) {
	e := c.Engine
	p.check(e.MinLeverage < 1, "engine: min_leverage must be >= 1")
	p.check(e.MaxLeverage < e.MinLeverage, "engine: max_leverage must be >= min_leverage")
	// The threshold must stay below the lowest leverage or a long's
	// liquidation price reaches zero.
	p.check(e.LiquidationThreshold <= 0 || e.LiquidationThreshold >= float64(e.MinLeverage),
		"engine: liquidation_threshold must be in (0, min_leverage)")
	p.check(e.LiquidationFee < 0 || e.LiquidationFee >= 1, "engine: liquidation_fee must be in [0, 1)")
	p.check(e.TradingFee < 0 || e.TradingFee >= 1, "engine: trading_fee must be in [0, 1)")
	p.check(e.MaxOpenInterest <= 0, "engine: max_open_interest must be > 0")
	p.check(e.MaxPositionsPerInstrument < 1, "engine: max_positions_per_instrument must be >= 1")
	p.check(e.HistoryLimit < 1, "engine: history_limit must be >= 1")
	p.check(e.InitialCapital < 0, "engine: initial_capital must be >= 0")
	p.check(e.PoolMode != "simulated" && e.PoolMode != "live",
		"engine: pool_mode must be simulated or live, got %q", e.PoolMode)
	p.check(len(e.Instruments) == 0, "engine: instruments must not be empty")
	p.check(e.PriceMaxAge.Duration < 0, "engine: price_max_age must be >= 0")

	intervals := []struct {
		name string
		d    duration
	}{
		{"funding_interval", e.FundingInterval},
		{"liquidation_interval", e.LiquidationInterval},
		{"tpsl_interval", e.TPSLInterval},
		{"price_sync_interval", e.PriceSyncInterval},
		{"funding_sync_interval", e.FundingSyncInterval},
	}
	for _, iv := range intervals {
		p.check(iv.d.Duration <= 0, "engine: %s must be > 0", iv.name)
	}
}

func (c *Config) validateVenues(p *problems) {
	_, ok := c.Venues[VenuePaper]
	p.check(!ok, "venues: %s must be configured", VenuePaper)
	_, ok = c.Venues[strings.ToUpper(c.Engine.DefaultVenue)]
	p.check(!ok, "engine: default_venue %q is not a configured venue", c.Engine.DefaultVenue)

	for _, name := range slices.Sorted(maps.Keys(c.Venues)) {
		v := c.Venues[name]
		p.check(v.Fee < 0 || v.Fee >= 1, "venues.%s: fee must be in [0, 1)", name)
		p.check(v.MaxLeverage < 0, "venues.%s: max_leverage must be >= 0", name)
		if !v.Enabled || v.BaseURL == "" {
			continue
		}
		p.check(v.ChainID <= 0, "venues.%s: chain_id must be positive", name)
		p.check(name != VenuePaper && !c.Wallet.HasKey(), "venues.%s: a wallet key is required to sign orders", name)
	}
	p.check(c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "",
		"wallet: key_password is required when encrypted_key_path is set")
}

func (c *Config) validateFeed(p *problems) {
	switch c.Feed.Source {
	case FeedBinanceREST, FeedBinanceWS, FeedRedis:
	default:
		p.addf("feed: unknown source %q (valid: binance_rest, binance_ws, redis)", c.Feed.Source)
	}
	p.check(c.Mode == "feed" && c.Feed.Source == FeedRedis, "feed: mode feed cannot read from the redis cache it writes")
}

func (c *Config) validateStorage(p *problems) {
	switch c.Snapshot.Backend {
	case SnapshotFile:
		p.check(strings.TrimSpace(c.Snapshot.Path) == "", "snapshot: path must not be empty for the file backend")
	case SnapshotRedis:
	default:
		p.addf("snapshot: unknown backend %q (valid: file, redis)", c.Snapshot.Backend)
	}
	p.check(c.Snapshot.MaxAttempts < 1, "snapshot: max_attempts must be >= 1")

	if db := c.Supabase; db.Enabled {
		if strings.TrimSpace(db.DSN) == "" {
			p.check(db.Host == "", "supabase: host must not be empty (or set supabase.dsn)")
			p.check(!validPort(db.Port), "supabase: port must be 1-65535, got %d", db.Port)
			p.check(db.Database == "", "supabase: database must not be empty")
		}
		p.check(db.PoolMaxConns < 1, "supabase: pool_max_conns must be >= 1")
		p.check(db.PoolMinConns < 0 || db.PoolMinConns > db.PoolMaxConns,
			"supabase: pool_min_conns must be between 0 and pool_max_conns")
	}

	p.check(c.S3.Enabled && c.S3.Bucket == "", "s3: bucket must not be empty")
}

func (c *Config) validateTransport(p *problems) {
	p.check(c.NeedsRedis() && !c.Redis.Enabled,
		"redis: must be enabled for the configured feed, snapshot, events or rate limit")
	if c.Redis.Enabled {
		p.check(c.Redis.Addr == "", "redis: addr must not be empty")
		p.check(c.Redis.PoolSize < 1, "redis: pool_size must be >= 1")
	}

	switch c.Events.Backend {
	case EventsNone, EventsRedis:
	case EventsNATS:
		p.check(c.Events.NATSURL == "", "events: nats_url must not be empty for the nats backend")
	default:
		p.addf("events: unknown backend %q (valid: none, redis, nats)", c.Events.Backend)
	}

	if c.Server.Enabled && c.Mode == "full" {
		p.check(!validPort(c.Server.Port), "server: port must be 1-65535, got %d", c.Server.Port)
		p.check(c.Server.RateLimit < 0, "server: rate_limit must be >= 0")
	}
}
