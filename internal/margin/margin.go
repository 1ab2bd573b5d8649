// Package margin holds the pure arithmetic of leveraged positions: margin,
// liquidation price, mark-to-market PnL, fees and funding. Nothing here keeps
// state; every result depends only on the arguments.
package margin

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Margin returns the collateral backing a position: size / leverage.
func Margin(size decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		return decimal.Zero
	}
	return size.Div(decimal.NewFromInt(int64(leverage)))
}

// LiquidationPrice returns the mark price at which a position is force-closed.
// Long: entry*(1-threshold/leverage). Short: entry*(1+threshold/leverage).
func LiquidationPrice(entry decimal.Decimal, leverage int, side domain.Side, threshold decimal.Decimal) decimal.Decimal {
	if leverage <= 0 {
		return decimal.Zero
	}
	move := threshold.Div(decimal.NewFromInt(int64(leverage)))
	if side == domain.SideShort {
		return entry.Mul(one.Add(move))
	}
	return entry.Mul(one.Sub(move))
}

// PnL marks a position to price. Total includes accumulated funding and the
// realized component, which starts out as the negative opening fee.
func PnL(pos domain.Position, price decimal.Decimal) domain.PnLBreakdown {
	out := domain.PnLBreakdown{
		Funding:  pos.AccumulatedFunding,
		Realized: pos.RealizedPnL,
	}
	if pos.EntryPrice.IsZero() {
		out.Total = out.Funding.Add(out.Realized)
		return out
	}

	change := price.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(pos.Side.Sign())
	leveraged := change.Mul(decimal.NewFromInt(int64(pos.Leverage)))

	out.Unrealized = pos.Margin.Mul(leveraged)
	out.PercentChange = change.Mul(hundred)
	out.LeveragedPercent = leveraged.Mul(hundred)
	out.Total = out.Unrealized.Add(out.Funding).Add(out.Realized)
	return out
}

// Fee returns a proportional trading fee on a notional size.
func Fee(size, rate decimal.Decimal) decimal.Decimal {
	return size.Mul(rate)
}

// FundingDelta returns the change applied to a position's accumulated
// funding. Longs pay when the rate is positive, shorts pay when it is
// negative, and the other side receives the same amount.
func FundingDelta(size, rate decimal.Decimal, side domain.Side) decimal.Decimal {
	amount := size.Mul(rate.Abs())
	switch {
	case rate.IsPositive() && side == domain.SideLong:
		return amount.Neg()
	case rate.IsPositive():
		return amount
	case rate.IsNegative() && side == domain.SideShort:
		return amount.Neg()
	case rate.IsNegative():
		return amount
	default:
		return decimal.Zero
	}
}

// LiquidationBreached reports whether price has crossed the liquidation price.
func LiquidationBreached(side domain.Side, price, liquidation decimal.Decimal) bool {
	if side == domain.SideShort {
		return price.GreaterThanOrEqual(liquidation)
	}
	return price.LessThanOrEqual(liquidation)
}

// TPSLTriggered reports whether a conditional order fires at price.
// Take-profit fires on a favorable move past the trigger, stop-loss on an
// unfavorable one.
func TPSLTriggered(kind domain.TPSLKind, side domain.Side, price, trigger decimal.Decimal) bool {
	favorable := side == domain.SideLong
	if kind == domain.TPSLStopLoss {
		favorable = !favorable
	}
	if favorable {
		return price.GreaterThanOrEqual(trigger)
	}
	return price.LessThanOrEqual(trigger)
}
