package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/perpengine/internal/blob/s3"
	natsbus "github.com/alanyoungcy/perpengine/internal/bus/nats"
	"github.com/alanyoungcy/perpengine/internal/cache/redis"
	"github.com/alanyoungcy/perpengine/internal/config"
	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/metrics"
	"github.com/alanyoungcy/perpengine/internal/notify"
	"github.com/alanyoungcy/perpengine/internal/persist"
	"github.com/alanyoungcy/perpengine/internal/server/handler"
	"github.com/alanyoungcy/perpengine/internal/store/postgres"
)

// Dependencies bundles the backends the run modes share. A backend whose
// config section is disabled is left nil.
type Dependencies struct {
	Metrics *metrics.Metrics

	// redis
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// redis or nats; nil when events.backend is none
	SignalBus domain.SignalBus

	Snapshots domain.SnapshotStore
	History   domain.HistoryStore // postgres
	Audit     domain.AuditStore   // postgres
	Archiver  *s3blob.Archiver

	Notifier *notify.Notifier

	// Checks are the dependency probes reported by /api/health.
	Checks map[string]handler.Check

	redisClient *redis.Client
}

// stack releases resources in reverse order of acquisition.
type stack []func()

func (s *stack) push(f func()) { *s = append(*s, f) }

func (s stack) unwind() {
	for i := len(s) - 1; i >= 0; i-- {
		s[i]()
	}
}

type wireStep func(context.Context, *config.Config, *Dependencies, *stack, *slog.Logger) error

// Wire connects every enabled backend. On success the returned function
// releases them; on failure whatever was already opened is released before
// returning. Later steps may use backends opened by earlier ones.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var opened stack
	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}
	for _, step := range []wireStep{wireRedis, wirePostgres, wireEvents, wireSnapshots, wireArchive} {
		if err := step(ctx, cfg, deps, &opened, logger); err != nil {
			opened.unwind()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
	}
	deps.Notifier = buildNotifier(cfg.Notify, logger)
	return deps, opened.unwind, nil
}

func wireRedis(ctx context.Context, cfg *config.Config, deps *Dependencies, opened *stack, _ *slog.Logger) error {
	rc := cfg.Redis
	if !rc.Enabled {
		return nil
	}
	c, err := redis.New(ctx, redis.ClientConfig{
		Addr:       rc.Addr,
		Password:   rc.Password,
		DB:         rc.DB,
		PoolSize:   rc.PoolSize,
		MaxRetries: rc.MaxRetries,
		TLSEnabled: rc.TLSEnabled,
		KeyPrefix:  rc.KeyPrefix,
	})
	if err != nil {
		return err
	}
	opened.push(func() { _ = c.Close() })

	deps.redisClient = c
	deps.PriceCache = redis.NewPriceCache(c, cfg.Feed.CacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(c)
	deps.LockManager = redis.NewLockManager(c)
	deps.Checks["redis"] = c.Ping
	return nil
}

// wirePostgres opens the history archive and audit log, applying pending
// migrations first when configured.
func wirePostgres(ctx context.Context, cfg *config.Config, deps *Dependencies, opened *stack, logger *slog.Logger) error {
	db := cfg.Supabase
	if !db.Enabled {
		return nil
	}
	client, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      db.DSN,
		Host:     db.Host,
		Port:     db.Port,
		Database: db.Database,
		User:     db.User,
		Password: db.Password,
		SSLMode:  db.SSLMode,
		MaxConns: db.PoolMaxConns,
		MinConns: db.PoolMinConns,
	})
	if err != nil {
		return err
	}
	opened.push(client.Close)

	if db.RunMigrations {
		applied, err := client.RunMigrations(ctx)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			logger.InfoContext(ctx, "postgres migrations applied", slog.Any("versions", applied))
		}
	}

	deps.History = postgres.NewHistoryStore(client.Pool())
	deps.Audit = postgres.NewAuditStore(client.Pool())
	deps.Checks["postgres"] = client.Ping
	return nil
}

func wireEvents(_ context.Context, cfg *config.Config, deps *Dependencies, opened *stack, logger *slog.Logger) error {
	ev := cfg.Events
	switch ev.Backend {
	case config.EventsRedis:
		deps.SignalBus = redis.NewSignalBus(deps.redisClient, ev.StreamMaxLen)
	case config.EventsNATS:
		bus, err := natsbus.Connect(natsbus.Config{
			URL:           ev.NATSURL,
			SubjectPrefix: ev.SubjectPrefix,
			Name:          "perpengine-" + cfg.Mode,
		}, logger)
		if err != nil {
			return err
		}
		opened.push(func() { _ = bus.Close() })

		streams, err := bus.WithStreams(ev.StreamMaxLen)
		if err != nil {
			return err
		}
		deps.SignalBus = streams
		deps.Checks["nats"] = bus.Ping
	}
	return nil
}

func wireSnapshots(_ context.Context, cfg *config.Config, deps *Dependencies, _ *stack, _ *slog.Logger) error {
	if cfg.Snapshot.Backend == config.SnapshotRedis {
		deps.Snapshots = redis.NewSnapshotStore(deps.redisClient)
	} else {
		deps.Snapshots = persist.NewFileStore(cfg.Snapshot.Path)
	}
	return nil
}

// wireArchive sets up snapshot archiving to object storage. Archive uploads
// are audited when postgres is enabled, and the monthly history export runs
// only with a history store to read from.
func wireArchive(ctx context.Context, cfg *config.Config, deps *Dependencies, opened *stack, logger *slog.Logger) error {
	sc := cfg.S3
	if !sc.Enabled {
		return nil
	}
	client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       sc.Endpoint,
		Region:         sc.Region,
		Bucket:         sc.Bucket,
		AccessKey:      sc.AccessKey,
		SecretKey:      sc.SecretKey,
		UseSSL:         sc.UseSSL,
		ForcePathStyle: sc.ForcePathStyle,
	})
	if err != nil {
		return err
	}
	opened.push(func() { _ = client.Close() })
	deps.Checks["s3"] = client.Ping

	deps.Archiver = s3blob.NewArchiver(client, client, deps.Audit, cfg.Snapshot.ArchivePrefix, logger)
	if deps.History != nil {
		deps.Archiver.WithHistory(deps.History)
	}
	return nil
}

// buildNotifier returns nil when no alert channel is configured.
func buildNotifier(nc config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if nc.TelegramToken != "" && nc.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(nc.TelegramToken, nc.TelegramChatID))
	}
	if nc.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(nc.DiscordWebhookURL))
	}
	if len(senders) == 0 {
		return nil
	}
	return notify.NewNotifier(senders, nc.Events, logger)
}
