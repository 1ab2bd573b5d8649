package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/margin"
)

// sweepLiquidations liquidates every position whose liquidation price is
// breached at the current price. Positions with an in-flight close are
// included. Engine goroutine only.
func (e *Engine) sweepLiquidations() int {
	start := time.Now()
	defer func() { e.metrics.ObserveSweep("liquidation", time.Since(start)) }()

	n := 0
	for _, pos := range e.ledger.AllPositions() {
		price, err := e.feed.Price(pos.Instrument)
		if err != nil {
			continue
		}
		if margin.LiquidationBreached(pos.Side, price, pos.LiquidationPrice) && e.liquidate(pos, price) {
			n++
		}
	}
	if n > 0 {
		e.persist()
	}
	return n
}

func (e *Engine) liquidate(pos domain.Position, price decimal.Decimal) bool {
	rec, err := e.ledger.Liquidate(pos.ID, price, e.now())
	if err != nil {
		e.logger.Error("liquidation failed",
			slog.String("id", pos.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	e.metrics.RecordLiquidation()
	e.logger.Warn("position liquidated",
		slog.String("id", pos.ID.String()),
		slog.String("owner", pos.Owner),
		slog.String("instrument", pos.Instrument),
		slog.String("side", string(pos.Side)),
		slog.String("price", price.String()),
		slog.String("liquidation", pos.LiquidationPrice.String()),
		slog.String("margin", pos.Margin.String()),
	)
	r := rec
	e.emit(domain.Event{Kind: domain.EventLiquidation, Record: &r})
	return true
}

// sweepTPSL fires take-profit and stop-loss orders. A position that is also
// past its liquidation price is liquidated instead. Orders whose position is
// gone are pruned. Engine goroutine only.
func (e *Engine) sweepTPSL() int {
	start := time.Now()
	defer func() { e.metrics.ObserveSweep("tpsl", time.Since(start)) }()

	changed := false
	fired := 0
	for _, o := range e.ledger.Orders() {
		pos, ok := e.ledger.Position(o.Key.PositionID)
		if !ok {
			if e.ledger.DropOrder(o.Key) {
				changed = true
			}
			continue
		}
		if e.ledger.IsClosing(pos.ID) {
			continue
		}
		price, err := e.feed.Price(pos.Instrument)
		if err != nil {
			continue
		}
		if margin.LiquidationBreached(pos.Side, price, pos.LiquidationPrice) {
			if e.liquidate(pos, price) {
				changed = true
			}
			continue
		}
		if !margin.TPSLTriggered(o.Key.Kind, pos.Side, price, o.Trigger) {
			continue
		}
		if e.trigger(pos, price, domain.ReasonFor(o.Key.Kind)) {
			fired++
		}
	}
	if changed {
		e.persist()
	}
	return fired
}

// trigger closes pos through the regular close path. Internal positions settle
// immediately; external ones settle once their venue close returns.
func (e *Engine) trigger(pos domain.Position, price decimal.Decimal, reason domain.CloseReason) bool {
	if _, err := e.ledger.BeginClose(pos.Owner, pos.Instrument, pos.ID); err != nil {
		return false
	}
	e.logger.Info("conditional order triggered",
		slog.String("id", pos.ID.String()),
		slog.String("reason", string(reason)),
		slog.String("price", price.String()),
	)

	if e.router.ClosesInternally(pos) {
		rep := e.router.Close(context.Background(), pos, closeOrder(pos, price))
		_, err := e.settleClose(pos, price, reason, rep)
		return err == nil
	}

	go func() {
		if _, err := e.finishClose(context.Background(), pos, price, reason); err != nil &&
			!errors.Is(err, domain.ErrEngineStopped) {
			e.logger.Warn("triggered close not settled",
				slog.String("id", pos.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

// settleFunding applies one funding period to every open position. Positions
// without a funding rate are skipped and counted. Engine goroutine only.
func (e *Engine) settleFunding() domain.FundingSummary {
	start := time.Now()
	defer func() { e.metrics.ObserveSweep("funding", time.Since(start)) }()

	now := e.now()
	sum := domain.FundingSummary{PoolDelta: decimal.Zero}
	for _, pos := range e.ledger.AllPositions() {
		rate, err := e.feed.FundingRate(pos.Instrument)
		if err != nil {
			sum.Skipped++
			e.logger.Warn("funding skipped",
				slog.String("id", pos.ID.String()),
				slog.String("instrument", pos.Instrument),
				slog.String("error", err.Error()),
			)
			continue
		}
		delta, err := e.ledger.ApplyFunding(pos.ID, rate)
		if err != nil {
			sum.Skipped++
			continue
		}
		sum.Applied++
		sum.PoolDelta = sum.PoolDelta.Sub(delta)
	}

	e.ledger.MarkFunded(now)
	e.nextFundingAt = now.Add(e.cfg.FundingInterval)
	e.metrics.RecordFundingSkipped(sum.Skipped)
	e.logger.Info("funding settled",
		slog.Int("applied", sum.Applied),
		slog.Int("skipped", sum.Skipped),
		slog.String("pool_delta", sum.PoolDelta.String()),
		slog.Time("next_funding_at", e.nextFundingAt),
	)
	s := sum
	e.emit(domain.Event{Kind: domain.EventFundingSettled, Funding: &s})
	e.persist()
	return sum
}
