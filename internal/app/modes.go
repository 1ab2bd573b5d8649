package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpengine/internal/config"
	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/engine"
	"github.com/alanyoungcy/perpengine/internal/feed"
	"github.com/alanyoungcy/perpengine/internal/ledger"
	"github.com/alanyoungcy/perpengine/internal/persist"
	"github.com/alanyoungcy/perpengine/internal/platform/binance"
	"github.com/alanyoungcy/perpengine/internal/retry"
	"github.com/alanyoungcy/perpengine/internal/server"
	"github.com/alanyoungcy/perpengine/internal/server/handler"
	"github.com/alanyoungcy/perpengine/internal/server/ws"
)

// engineLockKey guards against two engines writing the same snapshot.
const engineLockKey = "lock:engine"

// FullMode runs the engine, its price feed and the HTTP/WebSocket API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.runEngine(ctx, deps, a.cfg.Server.Enabled)
}

// EngineMode runs the engine and its price feed without the HTTP API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")
	return a.runEngine(ctx, deps, false)
}

// FeedMode only syncs prices and funding rates into the shared redis cache
// so engines in other processes can read them.
func (a *App) FeedMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting feed mode")
	if deps.PriceCache == nil {
		return errors.New("app: feed mode requires redis")
	}

	g, ctx := errgroup.WithContext(ctx)
	book := feed.NewBook(a.cfg.Engine.Instruments, a.cfg.Engine.PriceMaxAge.Duration)
	a.startFeed(ctx, g, deps, book, true)
	return g.Wait()
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, serveHTTP bool) error {
	cfg := a.cfg
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if deps.LockManager != nil {
		unlock, err := a.holdLock(ctx, g, deps.LockManager, cfg.Redis.LockTTL.Duration)
		if err != nil {
			return err
		}
		defer unlock()
	}

	router, err := buildRouter(cfg, deps.Metrics, a.logger)
	if err != nil {
		return fmt.Errorf("app: venues: %w", err)
	}

	book := feed.NewBook(cfg.Engine.Instruments, cfg.Engine.PriceMaxAge.Duration)
	writer := persist.NewWriter(deps.Snapshots, persist.WriterConfig{
		MaxAttempts:  cfg.Snapshot.MaxAttempts,
		Backoff:      retry.Backoff{Base: cfg.Snapshot.RetryBase.Duration, Max: cfg.Snapshot.RetryMax.Duration},
		FlushTimeout: cfg.Snapshot.FlushTimeout.Duration,
	}, deps.Metrics, a.logger)

	eng := engine.New(engineConfig(cfg.Engine), ledger.New(ledgerParams(cfg.Engine)),
		book, router, writer, deps.Metrics, a.logger)
	writer.OnFailure(eng.ReportPersistFailure)

	var archive domain.SnapshotStore
	if deps.Archiver != nil {
		archive = deps.Archiver
	}
	if err := eng.Load(ctx, recoveryStore{primary: deps.Snapshots, archive: archive, logger: a.logger}); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	// Event sinks. With a bus the hub reads events back from it together
	// with the feed's price updates; without one it is fed in-process.
	var sinks []engine.Sink
	if deps.SignalBus != nil {
		sinks = append(sinks, engine.NewBusSink(cfg.Events.Backend, deps.SignalBus))
	}
	if deps.Audit != nil {
		sinks = append(sinks, engine.NewAuditSink(deps.Audit))
	}
	if deps.History != nil {
		sinks = append(sinks, engine.NewHistorySink(deps.History))
	}
	if deps.Notifier != nil {
		sinks = append(sinks, deps.Notifier)
	}
	var hub *ws.Hub
	if serveHTTP {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{Mode: cfg.Mode, StartedAt: a.startedAt, Origins: cfg.Server.CORSOrigins})
		if deps.SignalBus == nil {
			sinks = append(sinks, hub)
		}
		g.Go(func() error { return hub.Run(ctx) })
	}
	publisher := engine.NewPublisher(eng.Events(), deps.Metrics, a.logger, sinks...)
	g.Go(func() error { return publisher.Run(ctx) })

	// The writer outlives the engine so the final snapshot submitted by
	// Run is flushed.
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = writer.Run(writerCtx)
	}()
	g.Go(func() error {
		defer func() {
			stopWriter()
			<-writerDone
		}()
		return eng.Run(ctx)
	})

	a.startFeed(ctx, g, deps, book, false)

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, cfg.Snapshot.ArchiveInterval.Duration, deps.Snapshots)
		})
	}

	if serveHTTP {
		checks := make(map[string]handler.Check, len(deps.Checks)+1)
		for name, check := range deps.Checks {
			checks[name] = check
		}
		checks["engine"] = func(ctx context.Context) error {
			_, err := eng.GetPoolStats(ctx)
			return err
		}

		srv := server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
			RateWindow:  cfg.Server.RateWindow.Duration,
		}, server.Handlers{
			Health:    handler.NewHealthHandler(checks, a.logger),
			Positions: handler.NewPositionHandler(eng, a.logger),
			Market:    handler.NewMarketHandler(eng, book, a.logger),
			History:   handler.NewHistoryHandler(eng, deps.History, a.logger),
			Metrics:   deps.Metrics.Handler(),
		}, hub, deps.RateLimiter, a.logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && deps.Notifier != nil {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if nerr := deps.Notifier.NotifyAll(nctx, "Engine stopped", err.Error()); nerr != nil {
			a.logger.Warn("engine stop alert not delivered", slog.String("error", nerr.Error()))
		}
	}
	return err
}

// startFeed keeps book current from the configured source. feedOnly forces
// mirroring into the shared price cache.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, book *feed.Book, feedOnly bool) {
	cfg := a.cfg.Feed
	syncCfg := feed.SyncerConfig{
		PriceInterval:   a.cfg.Engine.PriceSyncInterval.Duration,
		FundingInterval: a.cfg.Engine.FundingSyncInterval.Duration,
	}

	if cfg.Source == config.FeedRedis {
		syncer := feed.NewSyncer(feed.NewCacheSource(deps.PriceCache), book, syncCfg, deps.Metrics, a.logger)
		g.Go(func() error { return syncer.Run(ctx) })
		if deps.SignalBus != nil {
			feeder := feed.NewEngineFeeder(deps.SignalBus, book, a.logger)
			g.Go(func() error { return feeder.Run(ctx) })
		}
		return
	}

	client := binance.NewClient(cfg.SpotHost, cfg.FuturesHost, cfg.Timeout.Duration)
	syncer := feed.NewSyncer(client, book, syncCfg, deps.Metrics, a.logger)
	if (cfg.MirrorToCache || feedOnly) && deps.PriceCache != nil {
		syncer.MirrorTo(deps.PriceCache)
	}
	if cfg.Publish && deps.SignalBus != nil {
		syncer.PublishTo(deps.SignalBus)
	}

	if cfg.Source == config.FeedBinanceWS {
		stream := binance.NewMarkPriceStream(cfg.StreamHost, book.Symbols(),
			func(prices []domain.Quote, funding []domain.FundingQuote) {
				syncer.Ingest(ctx, "binance_ws", prices, funding)
			}, a.logger)
		g.Go(func() error { return stream.Run(ctx) })
		return
	}
	g.Go(func() error { return syncer.Run(ctx) })
}

// holdLock takes the engine lock and keeps refreshing it. Losing the lock
// stops the group so a second engine never writes alongside this one.
func (a *App) holdLock(ctx context.Context, g *errgroup.Group, locks domain.LockManager, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	unlock, err := locks.Acquire(ctx, engineLockKey, ttl)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, fmt.Errorf("app: another engine holds %s: %w", engineLockKey, err)
	}
	if err != nil {
		return nil, fmt.Errorf("app: acquire engine lock: %w", err)
	}
	a.logger.InfoContext(ctx, "engine lock acquired", slog.Duration("ttl", ttl))

	g.Go(func() error {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := locks.Refresh(ctx, engineLockKey, ttl); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return fmt.Errorf("app: engine lock lost: %w", err)
				}
			}
		}
	})
	return unlock, nil
}

func engineConfig(e config.EngineConfig) engine.Config {
	return engine.Config{
		TradingFee:          decimal.NewFromFloat(e.TradingFee),
		FundingInterval:     e.FundingInterval.Duration,
		LiquidationInterval: e.LiquidationInterval.Duration,
		TPSLInterval:        e.TPSLInterval.Duration,
		DedupTTL:            e.DedupTTL.Duration,
		CommandBuffer:       e.CommandBuffer,
		EventBuffer:         e.EventBuffer,
		DefaultHistory:      e.DefaultHistory,
		InstrumentCount:     len(e.Instruments),
	}
}

func ledgerParams(e config.EngineConfig) ledger.Params {
	return ledger.Params{
		MinLeverage:               e.MinLeverage,
		MaxLeverage:               e.MaxLeverage,
		LiquidationThreshold:      decimal.NewFromFloat(e.LiquidationThreshold),
		LiquidationFee:            decimal.NewFromFloat(e.LiquidationFee),
		MaxOpenInterest:           decimal.NewFromFloat(e.MaxOpenInterest),
		MaxPositionsPerInstrument: e.MaxPositionsPerInstrument,
		HistoryLimit:              e.HistoryLimit,
		InitialCapital:            decimal.NewFromFloat(e.InitialCapital),
		PoolMode:                  domain.PoolMode(e.PoolMode),
	}
}
