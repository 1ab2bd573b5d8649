// Package ledger owns the live position set, the liquidity pool and the
// accumulated stats. A Ledger is a plain state machine: it is not safe for
// concurrent use and must be driven by a single goroutine.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// Params bounds what the ledger accepts.
type Params struct {
	MinLeverage               int
	MaxLeverage               int
	LiquidationThreshold      decimal.Decimal
	LiquidationFee            decimal.Decimal
	MaxOpenInterest           decimal.Decimal
	MaxPositionsPerInstrument int
	HistoryLimit              int
	InitialCapital            decimal.Decimal
	PoolMode                  domain.PoolMode
}

// DefaultParams mirrors the engine defaults.
func DefaultParams() Params {
	return Params{
		MinLeverage:               1,
		MaxLeverage:               50,
		LiquidationThreshold:      decimal.RequireFromString("0.9"),
		LiquidationFee:            decimal.RequireFromString("0.1"),
		MaxOpenInterest:           decimal.NewFromInt(1_000_000),
		MaxPositionsPerInstrument: 3,
		HistoryLimit:              500,
		InitialCapital:            decimal.NewFromInt(100_000),
		PoolMode:                  domain.PoolSimulated,
	}
}

type pairKey struct {
	owner      string
	instrument string
}

// Ledger is the single source of truth for open positions.
type Ledger struct {
	params Params

	positions map[domain.PositionID]*domain.Position
	byPair    map[pairKey][]domain.PositionID
	orders    map[domain.TPSLKey]domain.TPSLOrder
	closing   map[domain.PositionID]struct{}

	pending       map[uint64]Reservation
	pendingOI     decimal.Decimal
	pendingByPair map[pairKey]int
	nextResID     uint64

	pool          domain.LiquidityPool
	stats         domain.Stats
	history       []domain.HistoryRecord
	lastFundingAt time.Time
	nextID        domain.PositionID
}

// New returns an empty ledger with a freshly capitalised pool.
func New(params Params) *Ledger {
	if params.HistoryLimit <= 0 {
		params.HistoryLimit = 500
	}
	if params.PoolMode == "" {
		params.PoolMode = domain.PoolSimulated
	}
	l := &Ledger{params: params}
	l.reset()
	return l
}

func (l *Ledger) reset() {
	l.positions = make(map[domain.PositionID]*domain.Position)
	l.byPair = make(map[pairKey][]domain.PositionID)
	l.orders = make(map[domain.TPSLKey]domain.TPSLOrder)
	l.closing = make(map[domain.PositionID]struct{})
	l.pending = make(map[uint64]Reservation)
	l.pendingByPair = make(map[pairKey]int)
	l.pendingOI = decimal.Zero
	l.pool = domain.LiquidityPool{Capital: l.params.InitialCapital, Mode: l.params.PoolMode}
	l.stats = domain.Stats{ByVenue: make(map[domain.VenueName]domain.VenueStats)}
	l.history = nil
	l.lastFundingAt = time.Time{}
	l.nextID = 1
}

// Params returns the limits the ledger was built with.
func (l *Ledger) Params() Params { return l.params }

// Len returns the number of open positions.
func (l *Ledger) Len() int { return len(l.positions) }

// Position returns a copy of an open position.
func (l *Ledger) Position(id domain.PositionID) (domain.Position, bool) {
	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// IsClosing reports whether a close for id is in flight.
func (l *Ledger) IsClosing(id domain.PositionID) bool {
	_, ok := l.closing[id]
	return ok
}

// PositionsFor returns the owner's open positions on an instrument, oldest
// first.
func (l *Ledger) PositionsFor(owner, instrument string) []domain.Position {
	ids := l.byPair[pairKey{owner, instrument}]
	out := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.positions[id])
	}
	return out
}

// UserPositions returns every open position held by owner, ordered by id.
func (l *Ledger) UserPositions(owner string) []domain.Position {
	var out []domain.Position
	for _, p := range l.positions {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

// AllPositions returns every open position ordered by id.
func (l *Ledger) AllPositions() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sortPositions(out)
	return out
}

// Orders returns the registered TP/SL orders ordered by position then kind.
func (l *Ledger) Orders() []domain.TPSLOrder {
	out := make([]domain.TPSLOrder, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.PositionID != out[j].Key.PositionID {
			return out[i].Key.PositionID < out[j].Key.PositionID
		}
		return out[i].Key.Kind < out[j].Key.Kind
	})
	return out
}

// DropOrder removes a TP/SL order. It reports whether one existed.
func (l *Ledger) DropOrder(key domain.TPSLKey) bool {
	if _, ok := l.orders[key]; !ok {
		return false
	}
	delete(l.orders, key)
	return true
}

// History returns up to limit of the most recent records, oldest first.
func (l *Ledger) History(limit int) []domain.HistoryRecord {
	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	out := make([]domain.HistoryRecord, limit)
	copy(out, l.history[len(l.history)-limit:])
	return out
}

// Pool returns the pool aggregates.
func (l *Ledger) Pool() domain.LiquidityPool { return l.pool }

// Stats returns a copy of the accumulated counters.
func (l *Ledger) Stats() domain.Stats { return l.stats.Clone() }

// LastFundingAt returns when funding was last settled.
func (l *Ledger) LastFundingAt() time.Time { return l.lastFundingAt }

// MarkFunded records a completed funding pass.
func (l *Ledger) MarkFunded(at time.Time) { l.lastFundingAt = at }

// RecordFallback counts an external venue fill that degraded to simulation.
func (l *Ledger) RecordFallback(venue domain.VenueName) {
	vs := l.stats.ByVenue[venue]
	vs.Fallbacks++
	l.stats.ByVenue[venue] = vs
}

// CheckInvariants verifies the pool aggregates against the live set.
func (l *Ledger) CheckInvariants() error {
	longs, shorts := decimal.Zero, decimal.Zero
	for id, p := range l.positions {
		if !p.Margin.Equal(p.Size.Div(decimal.NewFromInt(int64(p.Leverage)))) {
			return fmt.Errorf("ledger: position %d: margin %s != size/leverage", id, p.Margin)
		}
		if p.Side == domain.SideLong {
			longs = longs.Add(p.Size)
		} else {
			shorts = shorts.Add(p.Size)
		}
	}
	if !l.pool.TotalLongs.Equal(longs) {
		return fmt.Errorf("ledger: total longs %s != %s", l.pool.TotalLongs, longs)
	}
	if !l.pool.TotalShorts.Equal(shorts) {
		return fmt.Errorf("ledger: total shorts %s != %s", l.pool.TotalShorts, shorts)
	}
	if !l.pool.OpenInterest.Equal(longs.Add(shorts)) {
		return fmt.Errorf("ledger: open interest %s != %s", l.pool.OpenInterest, longs.Add(shorts))
	}
	for key := range l.orders {
		if _, ok := l.positions[key.PositionID]; !ok {
			return fmt.Errorf("ledger: orphan %s order for position %d", key.Kind, key.PositionID)
		}
	}
	return nil
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
