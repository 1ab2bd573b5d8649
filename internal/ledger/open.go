package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/margin"
)

// ReserveRequest is a validated-at-the-edge open request plus the inputs the
// engine resolved for it.
type ReserveRequest struct {
	Order       domain.OpenOrder
	EntryPrice  decimal.Decimal
	FeeRate     decimal.Decimal
	MaxLeverage int // venue cap, 0 means the ledger's own cap
}

// Reservation holds open-interest headroom and a per-pair slot while the
// venue call for an open is in flight.
type Reservation struct {
	ID  uint64
	Req ReserveRequest
}

// FillInfo records how a reservation was executed.
type FillInfo struct {
	Venue     domain.VenueName
	Reference string
	Simulated bool
}

// Reserve validates an open and holds capacity for it. On error nothing is
// mutated.
func (l *Ledger) Reserve(req ReserveRequest) (Reservation, error) {
	o := req.Order
	if err := l.validate(req); err != nil {
		return Reservation{}, &domain.OrderError{Op: "open", Owner: o.Owner, Instrument: o.Instrument, Err: err}
	}

	key := pairKey{o.Owner, o.Instrument}
	l.nextResID++
	res := Reservation{ID: l.nextResID, Req: req}
	l.pending[res.ID] = res
	l.pendingOI = l.pendingOI.Add(o.Size)
	l.pendingByPair[key]++
	return res, nil
}

func (l *Ledger) validate(req ReserveRequest) error {
	o := req.Order
	if strings.TrimSpace(o.Owner) == "" || strings.TrimSpace(o.Instrument) == "" {
		return fmt.Errorf("owner and instrument are required: %w", domain.ErrInvalidOrder)
	}
	if o.Side != domain.SideLong && o.Side != domain.SideShort {
		return fmt.Errorf("side %q: %w", o.Side, domain.ErrInvalidOrder)
	}
	if !o.Size.IsPositive() {
		return fmt.Errorf("size must be positive: %w", domain.ErrInvalidOrder)
	}
	if !req.EntryPrice.IsPositive() {
		return fmt.Errorf("entry price %s: %w", req.EntryPrice, domain.ErrUnknownInstrument)
	}
	if o.TakeProfit != nil && !o.TakeProfit.IsPositive() {
		return fmt.Errorf("take profit must be positive: %w", domain.ErrInvalidOrder)
	}
	if o.StopLoss != nil && !o.StopLoss.IsPositive() {
		return fmt.Errorf("stop loss must be positive: %w", domain.ErrInvalidOrder)
	}
	// A trigger already crossed at entry would fire on the next sweep.
	if o.TakeProfit != nil && margin.TPSLTriggered(domain.TPSLTakeProfit, o.Side, req.EntryPrice, *o.TakeProfit) {
		return fmt.Errorf("take profit %s is not beyond entry %s: %w", o.TakeProfit, req.EntryPrice, domain.ErrInvalidOrder)
	}
	if o.StopLoss != nil && margin.TPSLTriggered(domain.TPSLStopLoss, o.Side, req.EntryPrice, *o.StopLoss) {
		return fmt.Errorf("stop loss %s is not beyond entry %s: %w", o.StopLoss, req.EntryPrice, domain.ErrInvalidOrder)
	}

	maxLev := l.params.MaxLeverage
	if req.MaxLeverage > 0 && req.MaxLeverage < maxLev {
		maxLev = req.MaxLeverage
	}
	if o.Leverage < l.params.MinLeverage || o.Leverage > maxLev {
		return fmt.Errorf("leverage %d not in [%d, %d]: %w", o.Leverage, l.params.MinLeverage, maxLev, domain.ErrLeverageOutOfRange)
	}

	projected := l.pool.OpenInterest.Add(l.pendingOI).Add(o.Size)
	if projected.GreaterThan(l.params.MaxOpenInterest) {
		return fmt.Errorf("open interest would reach %s, cap %s: %w", projected, l.params.MaxOpenInterest, domain.ErrOpenInterestCap)
	}

	key := pairKey{o.Owner, o.Instrument}
	if n := len(l.byPair[key]) + l.pendingByPair[key]; n >= l.params.MaxPositionsPerInstrument {
		return fmt.Errorf("%d open, limit %d: %w", n, l.params.MaxPositionsPerInstrument, domain.ErrTooManyPositions)
	}
	return nil
}

// Release drops a reservation whose open was abandoned.
func (l *Ledger) Release(res Reservation) {
	if _, ok := l.pending[res.ID]; !ok {
		return
	}
	l.unreserve(res)
}

func (l *Ledger) unreserve(res Reservation) {
	delete(l.pending, res.ID)
	l.pendingOI = l.pendingOI.Sub(res.Req.Order.Size)
	key := pairKey{res.Req.Order.Owner, res.Req.Order.Instrument}
	if l.pendingByPair[key] <= 1 {
		delete(l.pendingByPair, key)
	} else {
		l.pendingByPair[key]--
	}
}

// Commit turns a reservation into an open position.
func (l *Ledger) Commit(res Reservation, fill FillInfo, now time.Time) (domain.Position, error) {
	if _, ok := l.pending[res.ID]; !ok {
		return domain.Position{}, fmt.Errorf("ledger: reservation %d: %w", res.ID, domain.ErrNotFound)
	}
	l.unreserve(res)

	o := res.Req.Order
	openFee := margin.Fee(o.Size, res.Req.FeeRate)
	source := o.Source
	if source == "" {
		source = "api"
	}

	pos := &domain.Position{
		ID:               l.nextID,
		Owner:            o.Owner,
		Instrument:       o.Instrument,
		Side:             o.Side,
		Size:             o.Size,
		Margin:           margin.Margin(o.Size, o.Leverage),
		Leverage:         o.Leverage,
		EntryPrice:       res.Req.EntryPrice,
		LiquidationPrice: margin.LiquidationPrice(res.Req.EntryPrice, o.Leverage, o.Side, l.params.LiquidationThreshold),
		TakeProfit:       o.TakeProfit,
		StopLoss:         o.StopLoss,
		Venue:            fill.Venue,
		Route:            "PERPS_" + string(fill.Venue),
		Source:           source,
		ExternalRef:      fill.Reference,
		Simulated:        fill.Simulated,
		RealizedPnL:      openFee.Neg(),
		OpenFee:          openFee,
		FeeRate:          res.Req.FeeRate,
		OpenedAt:         now,
	}
	l.nextID++

	l.positions[pos.ID] = pos
	key := pairKey{pos.Owner, pos.Instrument}
	l.byPair[key] = append(l.byPair[key], pos.ID)

	if pos.TakeProfit != nil {
		k := domain.TPSLKey{PositionID: pos.ID, Kind: domain.TPSLTakeProfit}
		l.orders[k] = domain.TPSLOrder{Key: k, Trigger: *pos.TakeProfit, CreatedAt: now}
	}
	if pos.StopLoss != nil {
		k := domain.TPSLKey{PositionID: pos.ID, Kind: domain.TPSLStopLoss}
		l.orders[k] = domain.TPSLOrder{Key: k, Trigger: *pos.StopLoss, CreatedAt: now}
	}

	l.addExposure(pos.Side, pos.Size)

	l.stats.TotalTrades++
	l.stats.TotalVolume = l.stats.TotalVolume.Add(pos.Size)
	l.stats.FeesCollected = l.stats.FeesCollected.Add(openFee)
	vs := l.stats.ByVenue[pos.Venue]
	vs.Trades++
	vs.Volume = vs.Volume.Add(pos.Size)
	l.stats.ByVenue[pos.Venue] = vs

	return *pos, nil
}

func (l *Ledger) addExposure(side domain.Side, size decimal.Decimal) {
	if side == domain.SideLong {
		l.pool.TotalLongs = l.pool.TotalLongs.Add(size)
	} else {
		l.pool.TotalShorts = l.pool.TotalShorts.Add(size)
	}
	l.pool.OpenInterest = l.pool.OpenInterest.Add(size)
}

func (l *Ledger) removeExposure(side domain.Side, size decimal.Decimal) {
	if side == domain.SideLong {
		l.pool.TotalLongs = l.pool.TotalLongs.Sub(size)
	} else {
		l.pool.TotalShorts = l.pool.TotalShorts.Sub(size)
	}
	l.pool.OpenInterest = l.pool.OpenInterest.Sub(size)
}

// Open reserves and commits in one step for internal fills.
func (l *Ledger) Open(req ReserveRequest, fill FillInfo, now time.Time) (domain.Position, error) {
	res, err := l.Reserve(req)
	if err != nil {
		return domain.Position{}, err
	}
	return l.Commit(res, fill, now)
}
