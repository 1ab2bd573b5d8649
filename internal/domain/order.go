package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpenOrder is a request to open a position.
type OpenOrder struct {
	Owner         string           `json:"owner"`
	Instrument    string           `json:"instrument"`
	Side          Side             `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	Leverage      int              `json:"leverage"`
	Venue         VenueName        `json:"venue,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Source        string           `json:"source,omitempty"`
}

// CloseRequest asks to close one of the owner's positions on an instrument.
// When PositionID is zero the oldest matching position is closed.
type CloseRequest struct {
	Owner      string      `json:"owner"`
	Instrument string      `json:"instrument"`
	PositionID PositionID  `json:"position_id,omitempty"`
	Reason     CloseReason `json:"reason,omitempty"`
}

// ExecutionReport describes how an open or close was filled.
type ExecutionReport struct {
	Venue             VenueName `json:"venue"`
	Reference         string    `json:"reference,omitempty"`
	Simulated         bool      `json:"simulated"`
	SimulatedFallback bool      `json:"simulated_fallback"`
	FallbackReason    string    `json:"fallback_reason,omitempty"`
}

// OpenResult is returned by a successful open.
type OpenResult struct {
	Position  Position        `json:"position"`
	Execution ExecutionReport `json:"execution"`
}

// CloseResult is returned by a successful close.
type CloseResult struct {
	Record    HistoryRecord   `json:"record"`
	PnL       PnLBreakdown    `json:"pnl"`
	Execution ExecutionReport `json:"execution"`
}

// TPSLKind distinguishes take-profit from stop-loss orders.
type TPSLKind string

const (
	TPSLTakeProfit TPSLKind = "tp"
	TPSLStopLoss   TPSLKind = "sl"
)

// TPSLKey identifies a conditional order. A position has at most one order of
// each kind.
type TPSLKey struct {
	PositionID PositionID `json:"position_id"`
	Kind       TPSLKind   `json:"kind"`
}

// TPSLOrder is a conditional close attached to a position.
type TPSLOrder struct {
	Key       TPSLKey         `json:"key"`
	Trigger   decimal.Decimal `json:"trigger"`
	CreatedAt time.Time       `json:"created_at"`
}

// CloseReason records why a position left the live set.
type CloseReason string

const (
	CloseManual      CloseReason = "manual"
	CloseTakeProfit  CloseReason = "take_profit"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseLiquidation CloseReason = "liquidation"
)

// ReasonFor maps a conditional order kind to its close reason.
func ReasonFor(kind TPSLKind) CloseReason {
	if kind == TPSLTakeProfit {
		return CloseTakeProfit
	}
	return CloseStopLoss
}
