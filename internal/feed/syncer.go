package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/metrics"
)

// SyncerConfig sets how often prices and funding rates are pulled.
type SyncerConfig struct {
	PriceInterval   time.Duration
	FundingInterval time.Duration
}

// Syncer pulls prices and funding rates from a MarketSource into a Book.
// Every applied batch can also be mirrored to a shared PriceCache and
// published on a SignalBus for engines running in other processes.
type Syncer struct {
	source  domain.MarketSource
	book    *Book
	cfg     SyncerConfig
	cache   domain.PriceCache
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSyncer creates a Syncer. Zero intervals default to 5s for prices and
// 60s for funding rates.
func NewSyncer(source domain.MarketSource, book *Book, cfg SyncerConfig, m *metrics.Metrics, logger *slog.Logger) *Syncer {
	if cfg.PriceInterval <= 0 {
		cfg.PriceInterval = 5 * time.Second
	}
	if cfg.FundingInterval <= 0 {
		cfg.FundingInterval = 60 * time.Second
	}
	return &Syncer{
		source:  source,
		book:    book,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "price_syncer")),
	}
}

// MirrorTo writes every applied batch to cache.
func (s *Syncer) MirrorTo(cache domain.PriceCache) *Syncer {
	s.cache = cache
	return s
}

// PublishTo publishes every applied price batch to bus.
func (s *Syncer) PublishTo(bus domain.SignalBus) *Syncer {
	s.bus = bus
	return s
}

// Run syncs once immediately and then on both intervals until ctx is
// cancelled. Upstream failures are logged; the book keeps its last values.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("price syncer started",
		slog.String("source", s.source.Name()),
		slog.Int("instruments", len(s.book.Symbols())),
		slog.Duration("price_interval", s.cfg.PriceInterval),
		slog.Duration("funding_interval", s.cfg.FundingInterval),
	)
	defer s.logger.Info("price syncer stopped")

	s.syncPricesLogged(ctx)
	s.syncFundingLogged(ctx)

	priceTicker := time.NewTicker(s.cfg.PriceInterval)
	defer priceTicker.Stop()
	fundingTicker := time.NewTicker(s.cfg.FundingInterval)
	defer fundingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-priceTicker.C:
			s.syncPricesLogged(ctx)
		case <-fundingTicker.C:
			s.syncFundingLogged(ctx)
		}
	}
}

// SyncPrices pulls one batch of prices.
func (s *Syncer) SyncPrices(ctx context.Context) error {
	quotes, err := s.source.FetchPrices(ctx, s.book.Symbols())
	if err != nil {
		return err
	}
	s.Ingest(ctx, s.source.Name(), quotes, nil)
	return nil
}

// SyncFunding pulls one batch of funding rates.
func (s *Syncer) SyncFunding(ctx context.Context) error {
	quotes, err := s.source.FetchFundingRates(ctx, s.book.Symbols())
	if err != nil {
		return err
	}
	s.Ingest(ctx, s.source.Name(), nil, quotes)
	return nil
}

// Ingest applies a batch that arrived from any source, then mirrors and
// publishes it.
func (s *Syncer) Ingest(ctx context.Context, source string, prices []domain.Quote, funding []domain.FundingQuote) {
	applied := s.book.UpdatePrices(prices)
	s.book.UpdateFunding(funding)
	s.metrics.RecordPriceUpdates(source, applied)

	if s.cache != nil {
		s.mirror(ctx, prices, funding)
	}
	if s.bus != nil && (len(prices) > 0 || len(funding) > 0) {
		if err := s.publish(ctx, prices, funding); err != nil {
			s.logger.WarnContext(ctx, "price update publish failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Syncer) syncPricesLogged(ctx context.Context) {
	if err := s.SyncPrices(ctx); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "price sync failed", slog.String("error", err.Error()))
	}
}

func (s *Syncer) syncFundingLogged(ctx context.Context) {
	if err := s.SyncFunding(ctx); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "funding sync failed", slog.String("error", err.Error()))
	}
}

func (s *Syncer) mirror(ctx context.Context, prices []domain.Quote, funding []domain.FundingQuote) {
	for _, q := range prices {
		if !s.book.Supports(q.Symbol) {
			continue
		}
		if err := s.cache.SetPrice(ctx, q.Symbol, q.Price, q.At); err != nil {
			s.logger.WarnContext(ctx, "price cache write failed",
				slog.String("symbol", q.Symbol),
				slog.String("error", err.Error()),
			)
			return
		}
	}
	for _, q := range funding {
		if !s.book.Supports(q.Symbol) {
			continue
		}
		if err := s.cache.SetFundingRate(ctx, q.Symbol, q.Rate, q.At); err != nil {
			s.logger.WarnContext(ctx, "funding cache write failed",
				slog.String("symbol", q.Symbol),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// PriceUpdate is the payload published on domain.ChannelPrices.
type PriceUpdate struct {
	Event   string                     `json:"event"`
	Prices  map[string]decimal.Decimal `json:"prices,omitempty"`
	Funding map[string]decimal.Decimal `json:"funding,omitempty"`
	At      time.Time                  `json:"at"`
}

func (s *Syncer) publish(ctx context.Context, prices []domain.Quote, funding []domain.FundingQuote) error {
	upd := PriceUpdate{Event: string(domain.EventPriceUpdate), At: time.Now().UTC()}
	if len(prices) > 0 {
		upd.Prices = make(map[string]decimal.Decimal, len(prices))
		for _, q := range prices {
			upd.Prices[q.Symbol] = q.Price
		}
	}
	if len(funding) > 0 {
		upd.Funding = make(map[string]decimal.Decimal, len(funding))
		for _, q := range funding {
			upd.Funding[q.Symbol] = q.Rate
		}
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("feed: marshal price update: %w", err)
	}
	return s.bus.Publish(ctx, domain.ChannelPrices, payload)
}
