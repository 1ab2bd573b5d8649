package ledger

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

var (
	t0  = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	fee = decimal.RequireFromString("0.0005")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func req(owner, instrument string, side domain.Side, size string, lev int, entry string) ReserveRequest {
	return ReserveRequest{
		Order: domain.OpenOrder{
			Owner:      owner,
			Instrument: instrument,
			Side:       side,
			Size:       d(size),
			Leverage:   lev,
		},
		EntryPrice: d(entry),
		FeeRate:    fee,
	}
}

var paper = FillInfo{Venue: domain.VenuePaper, Reference: "paper-1", Simulated: true}

func TestOpenComputesPosition(t *testing.T) {
	l := New(DefaultParams())

	pos, err := l.Open(req("alice", "BTC", domain.SideLong, "1000", 10, "50000"), paper, t0)
	require.NoError(t, err)

	assert.Equal(t, domain.PositionID(1), pos.ID)
	assert.True(t, pos.Margin.Equal(d("100")))
	assert.True(t, pos.LiquidationPrice.Equal(d("45500")), "liq %s", pos.LiquidationPrice)
	assert.True(t, pos.OpenFee.Equal(d("0.5")))
	assert.True(t, pos.RealizedPnL.Equal(d("-0.5")))
	assert.Equal(t, "PERPS_PAPER", pos.Route)
	assert.Equal(t, "api", pos.Source)

	pool := l.Pool()
	assert.True(t, pool.OpenInterest.Equal(d("1000")))
	assert.True(t, pool.TotalLongs.Equal(d("1000")))
	assert.True(t, pool.Capital.Equal(d("100000")), "open must not move pool capital")

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.TotalTrades)
	assert.True(t, stats.FeesCollected.Equal(d("0.5")))
	assert.Equal(t, int64(1), stats.ByVenue[domain.VenuePaper].Trades)
	require.NoError(t, l.CheckInvariants())
}

func TestOpenRejectsLeverageOutOfRange(t *testing.T) {
	l := New(DefaultParams())

	for _, lev := range []int{0, -1, 51, 100} {
		_, err := l.Open(req("alice", "BTC", domain.SideLong, "1000", lev, "50000"), paper, t0)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrLeverageOutOfRange)
		assert.True(t, l.Pool().OpenInterest.IsZero())
	}
	assert.Equal(t, 0, l.Len())
}

func TestOpenHonoursVenueLeverageCap(t *testing.T) {
	l := New(DefaultParams())
	r := req("alice", "BTC", domain.SideLong, "1000", 30, "50000")
	r.MaxLeverage = 20

	_, err := l.Open(r, paper, t0)
	assert.ErrorIs(t, err, domain.ErrLeverageOutOfRange)
}

func TestOpenRejectsInvalidInput(t *testing.T) {
	l := New(DefaultParams())

	bad := req("alice", "BTC", domain.SideLong, "0", 10, "50000")
	_, err := l.Open(bad, paper, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	noPrice := req("alice", "BTC", domain.SideLong, "100", 10, "0")
	_, err = l.Open(noPrice, paper, t0)
	assert.ErrorIs(t, err, domain.ErrUnknownInstrument)

	negTP := req("alice", "BTC", domain.SideLong, "100", 10, "50000")
	tp := d("-1")
	negTP.Order.TakeProfit = &tp
	_, err = l.Open(negTP, paper, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	var oe *domain.OrderError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "open", oe.Op)
	assert.Equal(t, "alice", oe.Owner)
}

func TestOpenRejectsTriggersCrossedAtEntry(t *testing.T) {
	l := New(DefaultParams())

	cases := []struct {
		name string
		side domain.Side
		tp   string
		sl   string
	}{
		{"long take profit below entry", domain.SideLong, "49000", ""},
		{"long take profit at entry", domain.SideLong, "50000", ""},
		{"long stop loss above entry", domain.SideLong, "", "51000"},
		{"short take profit above entry", domain.SideShort, "51000", ""},
		{"short stop loss below entry", domain.SideShort, "", "49000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := req("alice", "BTC", tc.side, "100", 10, "50000")
			if tc.tp != "" {
				tp := d(tc.tp)
				r.Order.TakeProfit = &tp
			}
			if tc.sl != "" {
				sl := d(tc.sl)
				r.Order.StopLoss = &sl
			}
			_, err := l.Open(r, paper, t0)
			assert.ErrorIs(t, err, domain.ErrInvalidOrder)
		})
	}
	assert.True(t, l.Pool().OpenInterest.IsZero())

	ok := req("alice", "BTC", domain.SideShort, "100", 10, "50000")
	tp, sl := d("45000"), d("52000")
	ok.Order.TakeProfit, ok.Order.StopLoss = &tp, &sl
	_, err := l.Open(ok, paper, t0)
	require.NoError(t, err)
}

func TestOpenInterestCap(t *testing.T) {
	p := DefaultParams()
	p.MaxOpenInterest = d("2500")
	l := New(p)

	_, err := l.Open(req("a", "BTC", domain.SideLong, "1000", 10, "50000"), paper, t0)
	require.NoError(t, err)
	_, err = l.Open(req("b", "ETH", domain.SideShort, "1500", 10, "3000"), paper, t0)
	require.NoError(t, err)

	_, err = l.Open(req("c", "SOL", domain.SideLong, "1", 10, "150"), paper, t0)
	assert.ErrorIs(t, err, domain.ErrOpenInterestCap)
	assert.True(t, l.Pool().OpenInterest.Equal(d("2500")))
}

func TestMaxPositionsPerInstrumentCountsReservations(t *testing.T) {
	l := New(DefaultParams())

	for i := 0; i < 2; i++ {
		_, err := l.Open(req("alice", "BTC", domain.SideLong, "100", 10, "50000"), paper, t0)
		require.NoError(t, err)
	}
	res, err := l.Reserve(req("alice", "BTC", domain.SideShort, "100", 10, "50000"))
	require.NoError(t, err)

	_, err = l.Reserve(req("alice", "BTC", domain.SideLong, "100", 10, "50000"))
	assert.ErrorIs(t, err, domain.ErrTooManyPositions)

	// Other instruments and other owners are unaffected.
	_, err = l.Reserve(req("alice", "ETH", domain.SideLong, "100", 10, "3000"))
	assert.NoError(t, err)
	_, err = l.Reserve(req("bob", "BTC", domain.SideLong, "100", 10, "50000"))
	assert.NoError(t, err)

	l.Release(res)
	_, err = l.Reserve(req("alice", "BTC", domain.SideLong, "100", 10, "50000"))
	assert.NoError(t, err)
}

func TestReleaseFreesOpenInterest(t *testing.T) {
	p := DefaultParams()
	p.MaxOpenInterest = d("1000")
	l := New(p)

	res, err := l.Reserve(req("a", "BTC", domain.SideLong, "1000", 10, "50000"))
	require.NoError(t, err)
	_, err = l.Reserve(req("b", "BTC", domain.SideLong, "1", 10, "50000"))
	assert.ErrorIs(t, err, domain.ErrOpenInterestCap)

	l.Release(res)
	l.Release(res)
	_, err = l.Commit(res, paper, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = l.Reserve(req("b", "BTC", domain.SideLong, "1000", 10, "50000"))
	assert.NoError(t, err)
	assert.True(t, l.Pool().OpenInterest.IsZero())
}

func TestOpenInterestEqualsSumOfSizes(t *testing.T) {
	l := New(DefaultParams())
	owners := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, o := range owners {
		side := domain.SideLong
		if i%2 == 1 {
			side = domain.SideShort
		}
		_, err := l.Open(req(o, "BTC", side, "250", 5, "50000"), paper, t0)
		require.NoError(t, err)
	}

	pool := l.Pool()
	n := decimal.NewFromInt(int64(len(owners)))
	assert.True(t, pool.OpenInterest.Equal(d("250").Mul(n)))
	assert.True(t, pool.TotalLongs.Add(pool.TotalShorts).Equal(pool.OpenInterest))
	require.NoError(t, l.CheckInvariants())
}

func TestCloseAppendsOneRecordAndSecondCloseFails(t *testing.T) {
	l := New(DefaultParams())
	tp, sl := d("60000"), d("40000")
	r := req("alice", "BTC", domain.SideLong, "1000", 10, "50000")
	r.Order.TakeProfit, r.Order.StopLoss = &tp, &sl
	pos, err := l.Open(r, paper, t0)
	require.NoError(t, err)
	require.Len(t, l.Orders(), 2)

	_, err = l.BeginClose("alice", "BTC", 0)
	require.NoError(t, err)
	rec, pnl, err := l.Close(pos.ID, d("51000"), domain.CloseManual, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, pos.ID, rec.ID)
	assert.Equal(t, domain.CloseManual, rec.Reason)
	assert.Equal(t, time.Hour, rec.Duration)
	assert.True(t, pnl.Unrealized.Equal(d("20")))
	// 20 unrealized - 0.5 open fee - 0.5 close fee
	assert.True(t, rec.NetPnL.Equal(d("19")), "net %s", rec.NetPnL)
	assert.True(t, l.Pool().Capital.Equal(d("99981")))
	assert.True(t, l.Pool().OpenInterest.IsZero())
	assert.Empty(t, l.Orders())
	assert.Len(t, l.History(0), 1)

	_, _, err = l.Close(pos.ID, d("51000"), domain.CloseManual, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = l.BeginClose("alice", "BTC", pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, l.History(0), 1)
	require.NoError(t, l.CheckInvariants())
}

func TestCloseAtEntryCostsBothFees(t *testing.T) {
	l := New(DefaultParams())
	pos, err := l.Open(req("alice", "ETH", domain.SideShort, "2000", 5, "3000"), paper, t0)
	require.NoError(t, err)

	rec, _, err := l.Close(pos.ID, d("3000"), domain.CloseManual, t0)
	require.NoError(t, err)
	assert.True(t, rec.NetPnL.Equal(d("2000").Mul(fee).Mul(decimal.NewFromInt(2)).Neg()), "net %s", rec.NetPnL)
}

func TestBeginCloseSelection(t *testing.T) {
	l := New(DefaultParams())
	first, err := l.Open(req("alice", "BTC", domain.SideLong, "100", 10, "50000"), paper, t0)
	require.NoError(t, err)
	second, err := l.Open(req("alice", "BTC", domain.SideShort, "100", 10, "50000"), paper, t0)
	require.NoError(t, err)
	other, err := l.Open(req("bob", "BTC", domain.SideShort, "100", 10, "50000"), paper, t0)
	require.NoError(t, err)

	got, err := l.BeginClose("alice", "BTC", 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "oldest first")

	got, err = l.BeginClose("alice", "BTC", 0)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID, "closing positions are skipped")

	_, err = l.BeginClose("alice", "BTC", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = l.BeginClose("alice", "BTC", other.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "ids of other owners are not closable")

	l.AbortClose(first.ID)
	got, err = l.BeginClose("alice", "", first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestLiquidateIsTerminal(t *testing.T) {
	l := New(DefaultParams())
	tp := d("60000")
	r := req("alice", "BTC", domain.SideLong, "1000", 10, "50000")
	r.Order.TakeProfit = &tp
	pos, err := l.Open(r, paper, t0)
	require.NoError(t, err)

	rec, err := l.Liquidate(pos.ID, d("45000"), t0)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseLiquidation, rec.Reason)
	assert.True(t, rec.NetPnL.Equal(d("-100")))
	// margin 100, pool keeps 90, liquidation fee 10
	assert.True(t, l.Pool().Capital.Equal(d("100090")))
	assert.True(t, l.Stats().LiquidationFees.Equal(d("10")))
	assert.Equal(t, int64(1), l.Stats().TotalLiquidations)
	assert.Empty(t, l.Orders())

	_, _, err = l.Close(pos.ID, d("50000"), domain.CloseManual, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = l.Liquidate(pos.ID, d("45000"), t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = l.ApplyFunding(pos.ID, d("0.0001"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = l.BeginClose("alice", "BTC", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, l.CheckInvariants())
}

func TestApplyFunding(t *testing.T) {
	l := New(DefaultParams())
	long, err := l.Open(req("alice", "BTC", domain.SideLong, "1000", 10, "50000"), paper, t0)
	require.NoError(t, err)
	short, err := l.Open(req("bob", "BTC", domain.SideShort, "1000", 10, "50000"), paper, t0)
	require.NoError(t, err)

	delta, err := l.ApplyFunding(long.ID, d("0.0001"))
	require.NoError(t, err)
	assert.True(t, delta.Equal(d("-0.1")))
	got, _ := l.Position(long.ID)
	assert.True(t, got.AccumulatedFunding.Equal(d("-0.1")))

	_, err = l.ApplyFunding(short.ID, d("0.0001"))
	require.NoError(t, err)
	got, _ = l.Position(short.ID)
	assert.True(t, got.AccumulatedFunding.Equal(d("0.1")))

	assert.True(t, l.Stats().FundingCollected.IsZero())
}

func TestHistoryIsBounded(t *testing.T) {
	p := DefaultParams()
	p.HistoryLimit = 3
	l := New(p)

	var ids []domain.PositionID
	for i := 0; i < 5; i++ {
		pos, err := l.Open(req("alice", "BTC", domain.SideLong, "10", 2, "100"), paper, t0)
		require.NoError(t, err)
		_, _, err = l.Close(pos.ID, d("100"), domain.CloseManual, t0)
		require.NoError(t, err)
		ids = append(ids, pos.ID)
	}

	hist := l.History(0)
	require.Len(t, hist, 3)
	assert.Equal(t, ids[2], hist[0].ID)
	assert.Equal(t, ids[4], hist[2].ID)

	last := l.History(1)
	require.Len(t, last, 1)
	assert.Equal(t, ids[4], last[0].ID)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l := New(DefaultParams())
	tp := d("55000")
	r := req("alice", "BTC", domain.SideLong, "1000", 10, "50000")
	r.Order.TakeProfit = &tp
	_, err := l.Open(r, paper, t0)
	require.NoError(t, err)
	closed, err := l.Open(req("bob", "ETH", domain.SideShort, "500", 5, "3000"), paper, t0)
	require.NoError(t, err)
	_, _, err = l.Close(closed.ID, d("2900"), domain.CloseManual, t0)
	require.NoError(t, err)
	l.RecordFallback(domain.VenueGMX)
	l.MarkFunded(t0)

	snap := l.Snapshot(t0)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded domain.Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))
	decoded.History = snap.History

	restored := New(DefaultParams())
	require.NoError(t, restored.Restore(decoded))

	assert.Equal(t, l.AllPositions()[0].ID, restored.AllPositions()[0].ID)
	assert.True(t, restored.Pool().OpenInterest.Equal(l.Pool().OpenInterest))
	assert.True(t, restored.Pool().Capital.Equal(l.Pool().Capital))
	assert.Len(t, restored.Orders(), 1)
	assert.Len(t, restored.History(0), 1)
	assert.Equal(t, int64(1), restored.Stats().ByVenue[domain.VenueGMX].Fallbacks)
	assert.True(t, restored.LastFundingAt().Equal(t0))

	next, err := restored.Open(req("carol", "SOL", domain.SideLong, "10", 2, "150"), paper, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionID(3), next.ID, "ids are never reused")
}

func TestRestoreRejectsInconsistentDocument(t *testing.T) {
	l := New(DefaultParams())
	_, err := l.Open(req("alice", "BTC", domain.SideLong, "1000", 10, "50000"), paper, t0)
	require.NoError(t, err)

	snap := l.Snapshot(t0)
	snap.Pool.OpenInterest = d("999")

	restored := New(DefaultParams())
	err = restored.Restore(snap)
	require.Error(t, err)
	assert.Equal(t, 0, restored.Len())
	assert.True(t, restored.Pool().Capital.Equal(d("100000")))
}
