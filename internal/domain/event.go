package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names an engine event published to the bus and audit log.
type EventKind string

const (
	EventPositionOpened   EventKind = "position_opened"
	EventPositionClosed   EventKind = "position_closed"
	EventLiquidation      EventKind = "liquidation"
	EventFundingSettled   EventKind = "funding_settled"
	EventVenueFallback    EventKind = "venue_fallback"
	EventPersistenceError EventKind = "persistence_error"
	EventPriceUpdate      EventKind = "price_update"
)

// Bus channels used for engine events. Bus backends place them under their
// own namespace.
const (
	ChannelPositions    = "positions"
	ChannelLiquidations = "liquidations"
	ChannelFunding      = "funding"
	ChannelPrices       = "prices"
	StreamEvents        = "events"
)

// Event is the envelope published for every ledger transition.
type Event struct {
	Kind      EventKind        `json:"kind"`
	At        time.Time        `json:"at"`
	Position  *Position        `json:"position,omitempty"`
	Record    *HistoryRecord   `json:"record,omitempty"`
	Execution *ExecutionReport `json:"execution,omitempty"`
	Funding   *FundingSummary  `json:"funding,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// FundingSummary describes one settlement pass.
type FundingSummary struct {
	Applied   int             `json:"applied"`
	Skipped   int             `json:"skipped"`
	PoolDelta decimal.Decimal `json:"pool_delta"`
}

// Channel returns the bus channel an event belongs on.
func (e Event) Channel() string {
	switch e.Kind {
	case EventLiquidation:
		return ChannelLiquidations
	case EventFundingSettled:
		return ChannelFunding
	case EventPriceUpdate:
		return ChannelPrices
	default:
		return ChannelPositions
	}
}
