package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// EngineFeeder subscribes to the price channel and feeds published updates
// into the engine's Book. It lets an engine run without its own upstream
// connection while a separate feed process publishes prices.
type EngineFeeder struct {
	bus    domain.SignalBus
	book   *Book
	logger *slog.Logger
}

// NewEngineFeeder creates an EngineFeeder.
func NewEngineFeeder(bus domain.SignalBus, book *Book, logger *slog.Logger) *EngineFeeder {
	return &EngineFeeder{
		bus:    bus,
		book:   book,
		logger: logger.With(slog.String("component", "engine_feeder")),
	}
}

// Run subscribes to domain.ChannelPrices and applies every update.
func (f *EngineFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, domain.ChannelPrices)
	if err != nil {
		return err
	}
	f.logger.Info("engine feeder started")
	defer f.logger.Info("engine feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(data); err != nil {
				f.logger.Debug("engine feeder handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *EngineFeeder) handleMessage(data []byte) error {
	var upd PriceUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return err
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	prices := make([]domain.Quote, 0, len(upd.Prices))
	for sym, p := range upd.Prices {
		prices = append(prices, domain.Quote{Symbol: sym, Price: p, At: at})
	}
	funding := make([]domain.FundingQuote, 0, len(upd.Funding))
	for sym, r := range upd.Funding {
		funding = append(funding, domain.FundingQuote{Symbol: sym, Rate: r, At: at})
	}
	f.book.UpdatePrices(prices)
	f.book.UpdateFunding(funding)
	return nil
}
