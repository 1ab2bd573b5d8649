package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/margin"
)

// BeginClose selects the position a close request refers to and marks it as
// closing. With a zero id the oldest of the owner's positions on the
// instrument is chosen. An explicit id must belong to owner.
func (l *Ledger) BeginClose(owner, instrument string, id domain.PositionID) (domain.Position, error) {
	pos, err := l.match(owner, instrument, id)
	if err != nil {
		return domain.Position{}, &domain.OrderError{Op: "close", Owner: owner, Instrument: instrument, Err: err}
	}
	l.closing[pos.ID] = struct{}{}
	return *pos, nil
}

func (l *Ledger) match(owner, instrument string, id domain.PositionID) (*domain.Position, error) {
	if id != 0 {
		p, ok := l.positions[id]
		if !ok || p.Owner != owner || (instrument != "" && p.Instrument != instrument) || l.IsClosing(id) {
			return nil, fmt.Errorf("position %d: %w", id, domain.ErrNotFound)
		}
		return p, nil
	}
	for _, pid := range l.byPair[pairKey{owner, instrument}] {
		if !l.IsClosing(pid) {
			return l.positions[pid], nil
		}
	}
	return nil, fmt.Errorf("no open position: %w", domain.ErrNotFound)
}

// AbortClose clears the closing mark set by BeginClose.
func (l *Ledger) AbortClose(id domain.PositionID) {
	delete(l.closing, id)
}

// Close settles a position at exitPrice, charges the closing fee and moves it
// to history. The pool pays out the net PnL. A second close of the same id
// fails with domain.ErrNotFound.
func (l *Ledger) Close(id domain.PositionID, exitPrice decimal.Decimal, reason domain.CloseReason, now time.Time) (domain.HistoryRecord, domain.PnLBreakdown, error) {
	pos, ok := l.positions[id]
	if !ok {
		return domain.HistoryRecord{}, domain.PnLBreakdown{}, fmt.Errorf("ledger: close position %d: %w", id, domain.ErrNotFound)
	}

	pnl := margin.PnL(*pos, exitPrice)
	closeFee := margin.Fee(pos.Size, pos.FeeRate)
	net := pnl.Total.Sub(closeFee)

	l.pool.Capital = l.pool.Capital.Sub(net)
	l.stats.FeesCollected = l.stats.FeesCollected.Add(closeFee)
	l.stats.PnLPaid = l.stats.PnLPaid.Add(net)

	rec := domain.HistoryRecord{
		Position:  *pos,
		ExitPrice: exitPrice,
		CloseFee:  closeFee,
		NetPnL:    net,
		Reason:    reason,
		ClosedAt:  now,
		Duration:  now.Sub(pos.OpenedAt),
	}
	l.remove(pos)
	l.appendHistory(rec)
	return rec, pnl, nil
}

// Liquidate force-closes a position. Its margin is seized: the pool keeps it
// minus the liquidation fee.
func (l *Ledger) Liquidate(id domain.PositionID, price decimal.Decimal, now time.Time) (domain.HistoryRecord, error) {
	pos, ok := l.positions[id]
	if !ok {
		return domain.HistoryRecord{}, fmt.Errorf("ledger: liquidate position %d: %w", id, domain.ErrNotFound)
	}

	penalty := pos.Margin.Mul(l.params.LiquidationFee)
	l.pool.Capital = l.pool.Capital.Add(pos.Margin.Sub(penalty))
	l.stats.LiquidationFees = l.stats.LiquidationFees.Add(penalty)
	l.stats.TotalLiquidations++

	rec := domain.HistoryRecord{
		Position:  *pos,
		ExitPrice: price,
		NetPnL:    pos.Margin.Neg(),
		Reason:    domain.CloseLiquidation,
		ClosedAt:  now,
		Duration:  now.Sub(pos.OpenedAt),
	}
	l.remove(pos)
	l.appendHistory(rec)
	return rec, nil
}

func (l *Ledger) remove(pos *domain.Position) {
	l.removeExposure(pos.Side, pos.Size)

	key := pairKey{pos.Owner, pos.Instrument}
	ids := l.byPair[key]
	for i, pid := range ids {
		if pid == pos.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(l.byPair, key)
	} else {
		l.byPair[key] = ids
	}

	delete(l.orders, domain.TPSLKey{PositionID: pos.ID, Kind: domain.TPSLTakeProfit})
	delete(l.orders, domain.TPSLKey{PositionID: pos.ID, Kind: domain.TPSLStopLoss})
	delete(l.closing, pos.ID)
	delete(l.positions, pos.ID)
}

func (l *Ledger) appendHistory(rec domain.HistoryRecord) {
	l.history = append(l.history, rec)
	if over := len(l.history) - l.params.HistoryLimit; over > 0 {
		l.history = append([]domain.HistoryRecord(nil), l.history[over:]...)
	}
}

// ApplyFunding settles one funding period on a position and returns the
// change to its accumulated funding. The pool collects the opposite amount.
func (l *Ledger) ApplyFunding(id domain.PositionID, rate decimal.Decimal) (decimal.Decimal, error) {
	pos, ok := l.positions[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("ledger: fund position %d: %w", id, domain.ErrNotFound)
	}
	delta := margin.FundingDelta(pos.Size, rate, pos.Side)
	pos.AccumulatedFunding = pos.AccumulatedFunding.Add(delta)
	l.stats.FundingCollected = l.stats.FundingCollected.Sub(delta)
	return delta, nil
}
