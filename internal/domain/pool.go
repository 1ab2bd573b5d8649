package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolMode tells whether the pool backs simulated or live fills.
type PoolMode string

const (
	PoolSimulated PoolMode = "simulated"
	PoolLive      PoolMode = "live"
)

// LiquidityPool is the single counterparty to every position.
type LiquidityPool struct {
	Capital      decimal.Decimal `json:"capital"`
	TotalLongs   decimal.Decimal `json:"total_longs"`
	TotalShorts  decimal.Decimal `json:"total_shorts"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	Mode         PoolMode        `json:"mode"`
}

// PoolStats is the public pool summary.
type PoolStats struct {
	Liquidity       decimal.Decimal `json:"liquidity"`
	TotalLongs      decimal.Decimal `json:"total_longs"`
	TotalShorts     decimal.Decimal `json:"total_shorts"`
	OpenInterest    decimal.Decimal `json:"open_interest"`
	MaxOpenInterest decimal.Decimal `json:"max_open_interest"`
	LongShortRatio  decimal.Decimal `json:"long_short_ratio"`
	Utilization     decimal.Decimal `json:"utilization"`
	Mode            PoolMode        `json:"mode"`
	LastFundingAt   time.Time       `json:"last_funding_at"`
	NextFundingAt   time.Time       `json:"next_funding_at"`
}

// VenueStats is the per-venue slice of Stats.
type VenueStats struct {
	Trades    int64           `json:"trades"`
	Volume    decimal.Decimal `json:"volume"`
	Fallbacks int64           `json:"fallbacks"`
}

// Stats holds monotonically accumulating engine counters.
type Stats struct {
	TotalTrades       int64                    `json:"total_trades"`
	TotalVolume       decimal.Decimal          `json:"total_volume"`
	TotalLiquidations int64                    `json:"total_liquidations"`
	FeesCollected     decimal.Decimal          `json:"fees_collected"`
	FundingCollected  decimal.Decimal          `json:"funding_collected"`
	PnLPaid           decimal.Decimal          `json:"pnl_paid"`
	LiquidationFees   decimal.Decimal          `json:"liquidation_fees"`
	ByVenue           map[VenueName]VenueStats `json:"by_venue"`
}

// Clone returns a deep copy so callers cannot alias the ledger's map.
func (s Stats) Clone() Stats {
	out := s
	out.ByVenue = make(map[VenueName]VenueStats, len(s.ByVenue))
	for k, v := range s.ByVenue {
		out.ByVenue[k] = v
	}
	return out
}

// StatsView is the public engine summary.
type StatsView struct {
	Stats           Stats       `json:"stats"`
	OpenPositions   int         `json:"open_positions"`
	Pool            PoolStats   `json:"pool"`
	Venues          []VenueInfo `json:"venues"`
	MaxLeverage     int         `json:"max_leverage"`
	InstrumentCount int         `json:"instrument_count"`
}
