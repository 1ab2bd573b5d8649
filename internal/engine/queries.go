package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/margin"
)

// view projects pos at the current price. Without a price the PnL is taken at
// the entry price and PriceKnown is false.
func (e *Engine) view(pos domain.Position) domain.PositionView {
	v := domain.PositionView{Position: pos}
	price, err := e.feed.Price(pos.Instrument)
	if err != nil {
		v.PnL = margin.PnL(pos, pos.EntryPrice)
		return v
	}
	v.CurrentPrice = price
	v.PriceKnown = true
	v.PnL = margin.PnL(pos, price)
	return v
}

func (e *Engine) views(ps []domain.Position) []domain.PositionView {
	out := make([]domain.PositionView, len(ps))
	for i, p := range ps {
		out[i] = e.view(p)
	}
	return out
}

// GetPosition returns the owner's oldest open position on instrument.
func (e *Engine) GetPosition(ctx context.Context, owner, instrument string) (domain.PositionView, error) {
	owner = strings.TrimSpace(owner)
	instrument = normalizeInstrument(instrument)

	var (
		v     domain.PositionView
		found bool
	)
	err := e.call(ctx, func() {
		ps := e.ledger.PositionsFor(owner, instrument)
		if len(ps) == 0 {
			return
		}
		v, found = e.view(ps[0]), true
	})
	if err != nil {
		return domain.PositionView{}, err
	}
	if !found {
		return domain.PositionView{}, &domain.OrderError{
			Op: "get", Owner: owner, Instrument: instrument,
			Err: fmt.Errorf("no open position: %w", domain.ErrNotFound),
		}
	}
	return v, nil
}

// GetUserPositions returns every open position of owner, oldest first.
func (e *Engine) GetUserPositions(ctx context.Context, owner string) ([]domain.PositionView, error) {
	owner = strings.TrimSpace(owner)
	var out []domain.PositionView
	err := e.call(ctx, func() {
		out = e.views(e.ledger.UserPositions(owner))
	})
	return out, err
}

// GetAllPositions returns every open position, oldest first.
func (e *Engine) GetAllPositions(ctx context.Context) ([]domain.PositionView, error) {
	var out []domain.PositionView
	err := e.call(ctx, func() {
		out = e.views(e.ledger.AllPositions())
	})
	return out, err
}

// GetHistory returns the most recent limit history records, oldest first. A
// non-positive limit selects the configured default.
func (e *Engine) GetHistory(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	if limit <= 0 {
		limit = e.cfg.DefaultHistory
	}
	var out []domain.HistoryRecord
	err := e.call(ctx, func() {
		out = e.ledger.History(limit)
	})
	return out, err
}

// GetPoolStats summarizes the liquidity pool.
func (e *Engine) GetPoolStats(ctx context.Context) (domain.PoolStats, error) {
	var out domain.PoolStats
	err := e.call(ctx, func() {
		out = e.poolStats()
	})
	return out, err
}

func (e *Engine) poolStats() domain.PoolStats {
	pool := e.ledger.Pool()
	maxOI := e.ledger.Params().MaxOpenInterest

	shorts := pool.TotalShorts
	if shorts.IsZero() {
		shorts = decimal.NewFromInt(1)
	}
	utilization := decimal.Zero
	if maxOI.IsPositive() {
		utilization = pool.OpenInterest.Div(maxOI)
	}
	return domain.PoolStats{
		Liquidity:       pool.Capital,
		TotalLongs:      pool.TotalLongs,
		TotalShorts:     pool.TotalShorts,
		OpenInterest:    pool.OpenInterest,
		MaxOpenInterest: maxOI,
		LongShortRatio:  pool.TotalLongs.Div(shorts),
		Utilization:     utilization,
		Mode:            pool.Mode,
		LastFundingAt:   e.ledger.LastFundingAt(),
		NextFundingAt:   e.nextFundingAt,
	}
}

// GetStats returns the accumulated stats together with pool and venue
// summaries.
func (e *Engine) GetStats(ctx context.Context) (domain.StatsView, error) {
	var out domain.StatsView
	err := e.call(ctx, func() {
		out = domain.StatsView{
			Stats:           e.ledger.Stats(),
			OpenPositions:   e.ledger.Len(),
			Pool:            e.poolStats(),
			Venues:          e.router.Registry().Venues(),
			MaxLeverage:     e.ledger.Params().MaxLeverage,
			InstrumentCount: e.cfg.InstrumentCount,
		}
	})
	return out, err
}
