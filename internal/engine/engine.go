// Package engine runs the position ledger on a single goroutine and exposes
// the public trading operations on top of it.
//
// Every ledger access happens on the goroutine executing Run. Requests are
// sent to it as commands; venue calls are made outside of it so a slow venue
// never delays sweeps or other requests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/ledger"
	"github.com/alanyoungcy/perpengine/internal/metrics"
	"github.com/alanyoungcy/perpengine/internal/venue"
)

// Config holds the engine timings and defaults.
type Config struct {
	TradingFee          decimal.Decimal
	FundingInterval     time.Duration
	LiquidationInterval time.Duration
	TPSLInterval        time.Duration
	DedupTTL            time.Duration
	CommandBuffer       int
	EventBuffer         int
	DefaultHistory      int
	InstrumentCount     int
}

// DefaultConfig returns the standard engine timings.
func DefaultConfig() Config {
	return Config{
		TradingFee:          decimal.RequireFromString("0.0005"),
		FundingInterval:     8 * time.Hour,
		LiquidationInterval: 2 * time.Second,
		TPSLInterval:        2 * time.Second,
		DedupTTL:            10 * time.Minute,
		CommandBuffer:       64,
		EventBuffer:         256,
		DefaultHistory:      100,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.TradingFee.IsNegative() {
		c.TradingFee = def.TradingFee
	}
	if c.FundingInterval <= 0 {
		c.FundingInterval = def.FundingInterval
	}
	if c.LiquidationInterval <= 0 {
		c.LiquidationInterval = def.LiquidationInterval
	}
	if c.TPSLInterval <= 0 {
		c.TPSLInterval = def.TPSLInterval
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = def.CommandBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.DefaultHistory <= 0 {
		c.DefaultHistory = def.DefaultHistory
	}
}

// Snapshotter accepts ledger snapshots for persistence. Submit must not block.
type Snapshotter interface {
	Submit(snap domain.Snapshot)
}

// Engine serializes all ledger mutations onto one goroutine.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	feed    domain.PriceFeed
	router  *venue.Router
	snaps   Snapshotter
	dedup   *Dedup
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	cmds     chan func()
	events   chan domain.Event
	dropped  atomic.Int64
	stopped  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	// owned by the Run goroutine
	nextFundingAt time.Time
}

// New creates an Engine. snaps and m may be nil.
func New(cfg Config, l *ledger.Ledger, feed domain.PriceFeed, router *venue.Router, snaps Snapshotter, m *metrics.Metrics, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		ledger:  l,
		feed:    feed,
		router:  router,
		snaps:   snaps,
		dedup:   NewDedup(cfg.DedupTTL),
		metrics: m,
		logger:  logger.With(slog.String("component", "perps_engine")),
		now:     func() time.Time { return time.Now().UTC() },
		cmds:    make(chan func(), cfg.CommandBuffer),
		events:  make(chan domain.Event, cfg.EventBuffer),
		stopped: make(chan struct{}),
	}
}

// Load restores the ledger from store. A store with nothing saved leaves the
// ledger fresh. It must be called before Run.
func (e *Engine) Load(ctx context.Context, store domain.SnapshotStore) error {
	if e.running.Load() {
		return errors.New("engine: load while running")
	}
	snap, err := store.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Info("no snapshot found, starting with a fresh pool",
			slog.String("capital", e.ledger.Pool().Capital.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: load snapshot: %w", err)
	}
	return e.Restore(snap)
}

// Restore replaces the ledger state with snap. It must be called before Run.
func (e *Engine) Restore(snap domain.Snapshot) error {
	if e.running.Load() {
		return errors.New("engine: restore while running")
	}
	if err := e.ledger.Restore(snap); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	pool := e.ledger.Pool()
	e.logger.Info("snapshot restored",
		slog.Int("positions", e.ledger.Len()),
		slog.Int("history", len(snap.History)),
		slog.String("capital", pool.Capital.String()),
		slog.String("open_interest", pool.OpenInterest.String()),
		slog.Time("saved_at", snap.SavedAt),
	)
	e.metrics.SetLedger(pool.OpenInterest, pool.Capital, e.ledger.Len())
	return nil
}

// Events returns the engine event stream. Events that do not fit the buffer
// are dropped and counted.
func (e *Engine) Events() <-chan domain.Event { return e.events }

// DroppedEvents returns how many events were dropped.
func (e *Engine) DroppedEvents() int64 { return e.dropped.Load() }

// Run processes commands and sweeps until ctx is cancelled. A final snapshot
// is submitted on the way out.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	defer e.stop()

	liqTicker := time.NewTicker(e.cfg.LiquidationInterval)
	defer liqTicker.Stop()
	tpslTicker := time.NewTicker(e.cfg.TPSLInterval)
	defer tpslTicker.Stop()
	cleanupTicker := time.NewTicker(time.Minute)
	defer cleanupTicker.Stop()

	e.scheduleFunding()
	fundingTimer := time.NewTimer(e.untilFunding())
	defer fundingTimer.Stop()

	e.logger.Info("engine started",
		slog.Int("positions", e.ledger.Len()),
		slog.Time("next_funding_at", e.nextFundingAt),
		slog.Duration("liquidation_interval", e.cfg.LiquidationInterval),
		slog.Duration("tpsl_interval", e.cfg.TPSLInterval),
	)

	for {
		select {
		case <-ctx.Done():
			e.persist()
			e.logger.Info("engine stopped", slog.Int("positions", e.ledger.Len()))
			return ctx.Err()
		case cmd := <-e.cmds:
			cmd()
		case <-liqTicker.C:
			e.sweepLiquidations()
		case <-tpslTicker.C:
			e.sweepTPSL()
		case <-fundingTimer.C:
			e.settleFunding()
			fundingTimer.Reset(e.untilFunding())
		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() { close(e.stopped) })
}

// call runs fn on the engine goroutine and waits for it. Once fn is queued
// it always runs to completion, so callers can rely on its side effects even
// if ctx ends while waiting.
func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case <-e.stopped:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	case e.cmds <- cmd:
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		select {
		case <-done:
			return nil
		default:
			return domain.ErrEngineStopped
		}
	}
}

func (e *Engine) emit(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
		e.metrics.RecordEventDropped()
		e.logger.Warn("event dropped, buffer full", slog.String("kind", string(ev.Kind)))
	}
}

// ReportPersistFailure publishes a persistence_error event. It is safe to
// call from any goroutine.
func (e *Engine) ReportPersistFailure(err error) {
	e.emit(domain.Event{Kind: domain.EventPersistenceError, Message: err.Error()})
}

// persist queues a snapshot of the current state. Engine goroutine only.
func (e *Engine) persist() {
	pool := e.ledger.Pool()
	e.metrics.SetLedger(pool.OpenInterest, pool.Capital, e.ledger.Len())
	if e.snaps == nil {
		return
	}
	e.snaps.Submit(e.ledger.Snapshot(e.now()))
}

func (e *Engine) scheduleFunding() {
	last := e.ledger.LastFundingAt()
	if last.IsZero() {
		last = e.now()
		e.ledger.MarkFunded(last)
	}
	e.nextFundingAt = last.Add(e.cfg.FundingInterval)
}

func (e *Engine) untilFunding() time.Duration {
	d := e.nextFundingAt.Sub(e.now())
	if d < 0 {
		return 0
	}
	return d
}
