package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/ledger"
	"github.com/alanyoungcy/perpengine/internal/venue"
)

func normalizeInstrument(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Open opens a position at the current price. Validation failures return a
// *domain.OrderError and leave the ledger untouched. Venue failures never fail
// the open; they show up as a simulated fallback in the execution report.
func (e *Engine) Open(ctx context.Context, order domain.OpenOrder) (domain.OpenResult, error) {
	order.Owner = strings.TrimSpace(order.Owner)
	order.Instrument = normalizeInstrument(order.Instrument)
	order.Venue = domain.NormalizeVenue(string(order.Venue))
	reject := func(err error) (domain.OpenResult, error) {
		return domain.OpenResult{}, &domain.OrderError{Op: "open", Owner: order.Owner, Instrument: order.Instrument, Err: err}
	}

	profile, err := e.router.Resolve(order.Venue)
	if err != nil {
		return reject(err)
	}

	dedupKey := ""
	if order.ClientOrderID != "" {
		dedupKey = order.Owner + "/" + order.ClientOrderID
		if e.dedup.IsDuplicate(dedupKey) {
			return reject(fmt.Errorf("client order id %q: %w", order.ClientOrderID, domain.ErrDuplicateOrder))
		}
	}
	forget := func() {
		if dedupKey != "" {
			e.dedup.Forget(dedupKey)
		}
	}

	var (
		res     ledger.Reservation
		failure error
	)
	err = e.call(ctx, func() {
		price, perr := e.feed.Price(order.Instrument)
		if perr != nil {
			failure = &domain.OrderError{Op: "open", Owner: order.Owner, Instrument: order.Instrument, Err: perr}
			return
		}
		res, failure = e.ledger.Reserve(ledger.ReserveRequest{
			Order:       order,
			EntryPrice:  price,
			FeeRate:     e.feeFor(profile),
			MaxLeverage: profile.MaxLeverage,
		})
	})
	if err == nil {
		err = failure
	}
	if err != nil {
		forget()
		return domain.OpenResult{}, err
	}

	rep := e.router.Open(ctx, profile.Name, domain.VenueOrder{
		Owner:      order.Owner,
		Instrument: order.Instrument,
		Side:       order.Side,
		Size:       order.Size,
		Leverage:   order.Leverage,
		Price:      res.Req.EntryPrice,
	})

	var pos domain.Position
	err = e.call(context.WithoutCancel(ctx), func() {
		pos, failure = e.ledger.Commit(res, ledger.FillInfo{
			Venue:     profile.Name,
			Reference: rep.Reference,
			Simulated: rep.Simulated,
		}, e.now())
		if failure != nil {
			return
		}
		e.afterOpen(pos, rep)
	})
	if err == nil {
		err = failure
	}
	if err != nil {
		return domain.OpenResult{}, fmt.Errorf("engine: commit open: %w", err)
	}
	return domain.OpenResult{Position: pos, Execution: rep}, nil
}

func (e *Engine) feeFor(p venue.Profile) decimal.Decimal {
	if p.Fee.IsPositive() {
		return p.Fee
	}
	return e.cfg.TradingFee
}

// afterOpen records a committed open. Engine goroutine only.
func (e *Engine) afterOpen(pos domain.Position, rep domain.ExecutionReport) {
	e.metrics.RecordOpen(string(pos.Venue))
	if rep.SimulatedFallback {
		e.recordFallback(pos, rep)
	}
	e.logger.Info("position opened",
		slog.String("id", pos.ID.String()),
		slog.String("owner", pos.Owner),
		slog.String("instrument", pos.Instrument),
		slog.String("side", string(pos.Side)),
		slog.String("size", pos.Size.String()),
		slog.Int("leverage", pos.Leverage),
		slog.String("entry", pos.EntryPrice.String()),
		slog.String("liquidation", pos.LiquidationPrice.String()),
		slog.String("venue", string(pos.Venue)),
		slog.Bool("simulated", pos.Simulated),
	)
	p, r := pos, rep
	e.emit(domain.Event{Kind: domain.EventPositionOpened, Position: &p, Execution: &r})
	e.persist()
}

func (e *Engine) recordFallback(pos domain.Position, rep domain.ExecutionReport) {
	e.ledger.RecordFallback(pos.Venue)
	p, r := pos, rep
	e.emit(domain.Event{Kind: domain.EventVenueFallback, Position: &p, Execution: &r, Message: rep.FallbackReason})
}

// Close closes one of the owner's positions at the current price. With a zero
// PositionID the oldest position on the instrument is closed.
func (e *Engine) Close(ctx context.Context, req domain.CloseRequest) (domain.CloseResult, error) {
	owner := strings.TrimSpace(req.Owner)
	instrument := normalizeInstrument(req.Instrument)
	reject := func(err error) (domain.CloseResult, error) {
		return domain.CloseResult{}, &domain.OrderError{Op: "close", Owner: owner, Instrument: instrument, Err: err}
	}

	reason := req.Reason
	switch reason {
	case "":
		reason = domain.CloseManual
	case domain.CloseManual, domain.CloseTakeProfit, domain.CloseStopLoss:
	default:
		return reject(fmt.Errorf("close reason %q: %w", reason, domain.ErrInvalidOrder))
	}
	if owner == "" {
		return reject(fmt.Errorf("owner is required: %w", domain.ErrInvalidOrder))
	}
	if instrument == "" && req.PositionID == 0 {
		return reject(fmt.Errorf("instrument or position id is required: %w", domain.ErrInvalidOrder))
	}

	var (
		pos     domain.Position
		price   decimal.Decimal
		failure error
	)
	err := e.call(ctx, func() {
		pos, failure = e.ledger.BeginClose(owner, instrument, req.PositionID)
		if failure != nil {
			return
		}
		var perr error
		price, perr = e.feed.Price(pos.Instrument)
		if perr != nil {
			e.ledger.AbortClose(pos.ID)
			failure = &domain.OrderError{Op: "close", Owner: owner, Instrument: pos.Instrument, Err: perr}
		}
	})
	if err == nil {
		err = failure
	}
	if err != nil {
		return domain.CloseResult{}, err
	}
	return e.finishClose(ctx, pos, price, reason)
}

// finishClose runs the venue close and settles the position. The position
// must already be marked closing. Never call it on the engine goroutine.
func (e *Engine) finishClose(ctx context.Context, pos domain.Position, price decimal.Decimal, reason domain.CloseReason) (domain.CloseResult, error) {
	rep := e.router.Close(ctx, pos, closeOrder(pos, price))

	var (
		res     domain.CloseResult
		failure error
	)
	err := e.call(context.WithoutCancel(ctx), func() {
		res, failure = e.settleClose(pos, price, reason, rep)
	})
	if err == nil {
		err = failure
	}
	return res, err
}

func closeOrder(pos domain.Position, price decimal.Decimal) domain.VenueClose {
	return domain.VenueClose{
		Owner:      pos.Owner,
		Instrument: pos.Instrument,
		Side:       pos.Side,
		Size:       pos.Size,
		Reference:  pos.ExternalRef,
		Price:      price,
	}
}

// settleClose moves a closing position to history. It fails with not found
// when the position was liquidated while its venue close was in flight.
// Engine goroutine only.
func (e *Engine) settleClose(pos domain.Position, price decimal.Decimal, reason domain.CloseReason, rep domain.ExecutionReport) (domain.CloseResult, error) {
	rec, pnl, err := e.ledger.Close(pos.ID, price, reason, e.now())
	if err != nil {
		return domain.CloseResult{}, &domain.OrderError{Op: "close", Owner: pos.Owner, Instrument: pos.Instrument, Err: err}
	}

	e.metrics.RecordClose(string(reason))
	if rep.SimulatedFallback {
		e.recordFallback(pos, rep)
	}
	e.logger.Info("position closed",
		slog.String("id", pos.ID.String()),
		slog.String("owner", pos.Owner),
		slog.String("instrument", pos.Instrument),
		slog.String("reason", string(reason)),
		slog.String("exit", price.String()),
		slog.String("net_pnl", rec.NetPnL.String()),
		slog.Duration("duration", rec.Duration),
	)
	r, x := rec, rep
	e.emit(domain.Event{Kind: domain.EventPositionClosed, Record: &r, Execution: &x})
	e.persist()
	return domain.CloseResult{Record: rec, PnL: pnl, Execution: rep}, nil
}
