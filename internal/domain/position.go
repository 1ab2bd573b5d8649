package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a perpetual position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide normalises user input into a Side.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return "", fmt.Errorf("side %q: %w", s, ErrInvalidOrder)
	}
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionID identifies a position. IDs are assigned from a monotonic counter
// and never reused.
type PositionID uint64

func (id PositionID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Position is an open leveraged position held against the liquidity pool.
type Position struct {
	ID                 PositionID       `json:"id"`
	Owner              string           `json:"owner"`
	Instrument         string           `json:"instrument"`
	Side               Side             `json:"side"`
	Size               decimal.Decimal  `json:"size"`
	Margin             decimal.Decimal  `json:"margin"`
	Leverage           int              `json:"leverage"`
	EntryPrice         decimal.Decimal  `json:"entry_price"`
	LiquidationPrice   decimal.Decimal  `json:"liquidation_price"`
	TakeProfit         *decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss           *decimal.Decimal `json:"stop_loss,omitempty"`
	Venue              VenueName        `json:"venue"`
	Route              string           `json:"route"`
	Source             string           `json:"source"`
	ExternalRef        string           `json:"external_ref,omitempty"`
	Simulated          bool             `json:"simulated"`
	AccumulatedFunding decimal.Decimal  `json:"accumulated_funding"`
	RealizedPnL        decimal.Decimal  `json:"realized_pnl"`
	OpenFee            decimal.Decimal  `json:"open_fee"`
	FeeRate            decimal.Decimal  `json:"fee_rate"`
	OpenedAt           time.Time        `json:"opened_at"`
}

// PnLBreakdown is the mark-to-market view of a position at a given price.
type PnLBreakdown struct {
	Unrealized       decimal.Decimal `json:"unrealized"`
	Funding          decimal.Decimal `json:"funding"`
	Realized         decimal.Decimal `json:"realized"`
	Total            decimal.Decimal `json:"total"`
	PercentChange    decimal.Decimal `json:"percent_change"`
	LeveragedPercent decimal.Decimal `json:"leveraged_percent"`
}

// PositionView is a read-only projection of a position enriched with the
// live price. Building one never mutates the ledger.
type PositionView struct {
	Position
	CurrentPrice decimal.Decimal `json:"current_price"`
	PriceKnown   bool            `json:"price_known"`
	PnL          PnLBreakdown    `json:"pnl"`
}
