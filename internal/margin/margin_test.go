package margin

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

var threshold = decimal.RequireFromString("0.9")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLiquidationPriceBTCLong(t *testing.T) {
	liq := LiquidationPrice(d("50000"), 10, domain.SideLong, threshold)
	assert.True(t, liq.Equal(d("45500")), "got %s", liq)
}

func TestLiquidationPriceShort(t *testing.T) {
	liq := LiquidationPrice(d("50000"), 10, domain.SideShort, threshold)
	assert.True(t, liq.Equal(d("54500")), "got %s", liq)
}

func TestMargin(t *testing.T) {
	assert.True(t, Margin(d("1000"), 10).Equal(d("100")))
	assert.True(t, Margin(d("1000"), 0).IsZero())
}

func TestPnL(t *testing.T) {
	pos := domain.Position{
		Side:        domain.SideLong,
		Size:        d("1000"),
		Leverage:    10,
		Margin:      d("100"),
		EntryPrice:  d("50000"),
		RealizedPnL: d("-0.5"),
	}

	t.Run("long gain", func(t *testing.T) {
		pnl := PnL(pos, d("51000"))
		assert.True(t, pnl.Unrealized.Equal(d("20")), "unrealized %s", pnl.Unrealized)
		assert.True(t, pnl.PercentChange.Equal(d("2")))
		assert.True(t, pnl.LeveragedPercent.Equal(d("20")))
		assert.True(t, pnl.Total.Equal(d("19.5")))
	})

	t.Run("short loss", func(t *testing.T) {
		short := pos
		short.Side = domain.SideShort
		pnl := PnL(short, d("51000"))
		assert.True(t, pnl.Unrealized.Equal(d("-20")), "unrealized %s", pnl.Unrealized)
	})

	t.Run("funding counted", func(t *testing.T) {
		funded := pos
		funded.AccumulatedFunding = d("-0.1")
		pnl := PnL(funded, d("50000"))
		assert.True(t, pnl.Unrealized.IsZero())
		assert.True(t, pnl.Total.Equal(d("-0.6")))
	})
}

func TestFundingDelta(t *testing.T) {
	tests := []struct {
		name string
		rate string
		side domain.Side
		want string
	}{
		{"positive rate long pays", "0.0001", domain.SideLong, "-0.1"},
		{"positive rate short receives", "0.0001", domain.SideShort, "0.1"},
		{"negative rate short pays", "-0.0001", domain.SideShort, "-0.1"},
		{"negative rate long receives", "-0.0001", domain.SideLong, "0.1"},
		{"zero rate", "0", domain.SideLong, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FundingDelta(d("1000"), d(tt.rate), tt.side)
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}
}

func TestLiquidationBreached(t *testing.T) {
	assert.True(t, LiquidationBreached(domain.SideLong, d("45500"), d("45500")))
	assert.False(t, LiquidationBreached(domain.SideLong, d("45501"), d("45500")))
	assert.True(t, LiquidationBreached(domain.SideShort, d("54500"), d("54500")))
	assert.False(t, LiquidationBreached(domain.SideShort, d("54499"), d("54500")))
}

func TestTPSLTriggered(t *testing.T) {
	tests := []struct {
		kind  domain.TPSLKind
		side  domain.Side
		price string
		want  bool
	}{
		{domain.TPSLTakeProfit, domain.SideLong, "110", true},
		{domain.TPSLTakeProfit, domain.SideLong, "90", false},
		{domain.TPSLTakeProfit, domain.SideShort, "90", true},
		{domain.TPSLTakeProfit, domain.SideShort, "110", false},
		{domain.TPSLStopLoss, domain.SideLong, "90", true},
		{domain.TPSLStopLoss, domain.SideLong, "110", false},
		{domain.TPSLStopLoss, domain.SideShort, "110", true},
		{domain.TPSLStopLoss, domain.SideShort, "90", false},
	}
	for _, tt := range tests {
		got := TPSLTriggered(tt.kind, tt.side, d(tt.price), d("100"))
		assert.Equal(t, tt.want, got, "%s %s at %s", tt.kind, tt.side, tt.price)
	}
}

func TestOpenCloseSamePriceCostsOnlyFees(t *testing.T) {
	fee := d("0.0005")
	size := d("1000")
	entry := d("3000")
	pos := domain.Position{
		Side:       domain.SideLong,
		Size:       size,
		Leverage:   5,
		Margin:     Margin(size, 5),
		EntryPrice: entry,
	}
	pos.RealizedPnL = Fee(size, fee).Neg()

	net := PnL(pos, entry).Total.Sub(Fee(size, fee))
	assert.True(t, net.Equal(size.Mul(fee).Mul(decimal.NewFromInt(2)).Neg()), "net %s", net)
}

func FuzzLiquidationPriceBounds(f *testing.F) {
	f.Add(50000.0, 10)
	f.Add(0.0001, 1)
	f.Add(123456.789, 50)
	f.Add(1.5, 3)

	f.Fuzz(func(t *testing.T, entry float64, leverage int) {
		if math.IsNaN(entry) || entry <= 0 || entry > 1e12 || leverage < 1 || leverage > 50 {
			t.Skip()
		}
		e := decimal.NewFromFloat(entry)
		if !e.IsPositive() {
			t.Skip()
		}

		long := LiquidationPrice(e, leverage, domain.SideLong, threshold)
		require.True(t, long.IsPositive(), "long liq %s for entry %s", long, e)
		require.True(t, long.LessThan(e), "long liq %s >= entry %s", long, e)

		short := LiquidationPrice(e, leverage, domain.SideShort, threshold)
		require.True(t, short.GreaterThan(e), "short liq %s <= entry %s", short, e)

		// A position is never breached at its own entry price.
		require.False(t, LiquidationBreached(domain.SideLong, e, long))
		require.False(t, LiquidationBreached(domain.SideShort, e, short))
	})
}

func FuzzPnLAtEntryIsFundingPlusRealized(f *testing.F) {
	f.Add(1000.0, 5, 0.5, -0.25)
	f.Add(10.0, 50, 0.0, 0.0)

	f.Fuzz(func(t *testing.T, size float64, leverage int, realized, funding float64) {
		if math.IsNaN(size) || size <= 0 || size > 1e9 || leverage < 1 || leverage > 50 {
			t.Skip()
		}
		if !finite(realized) || !finite(funding) {
			t.Skip()
		}
		s := decimal.NewFromFloat(size)
		pos := domain.Position{
			Side:               domain.SideShort,
			Size:               s,
			Leverage:           leverage,
			Margin:             Margin(s, leverage),
			EntryPrice:         decimal.NewFromInt(100),
			RealizedPnL:        decimal.NewFromFloat(realized),
			AccumulatedFunding: decimal.NewFromFloat(funding),
		}
		pnl := PnL(pos, pos.EntryPrice)
		require.True(t, pnl.Unrealized.IsZero())
		require.True(t, pnl.Total.Equal(pos.RealizedPnL.Add(pos.AccumulatedFunding)))
	})
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
