package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryRecord is the immutable record of a position that left the live set.
type HistoryRecord struct {
	Position
	ExitPrice decimal.Decimal `json:"exit_price"`
	CloseFee  decimal.Decimal `json:"close_fee"`
	NetPnL    decimal.Decimal `json:"net_pnl"`
	Reason    CloseReason     `json:"reason"`
	ClosedAt  time.Time       `json:"closed_at"`
	Duration  time.Duration   `json:"duration"`
}

// Snapshot is the persisted engine document. Restoring one reproduces the
// exact in-memory ledger.
type Snapshot struct {
	Positions     map[PositionID]Position `json:"positions"`
	Orders        []TPSLOrder             `json:"orders"`
	Pool          LiquidityPool           `json:"pool"`
	Stats         Stats                   `json:"stats"`
	LastFundingAt time.Time               `json:"last_funding_at"`
	NextID        PositionID              `json:"next_id"`
	SavedAt       time.Time               `json:"saved_at"`

	// History is stored apart from the document, newest last.
	History []HistoryRecord `json:"-"`
}
