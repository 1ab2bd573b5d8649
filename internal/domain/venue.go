package domain

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// VenueName tags where a position was requested to execute.
type VenueName string

const (
	VenuePaper       VenueName = "PAPER"
	VenueGMX         VenueName = "GMX"
	VenueHyperliquid VenueName = "HYPERLIQUID"
)

// NormalizeVenue upper-cases and trims a venue tag.
func NormalizeVenue(s string) VenueName {
	return VenueName(strings.ToUpper(strings.TrimSpace(s)))
}

// VenueInfo describes a configured venue for the public stats view.
type VenueInfo struct {
	Name        VenueName       `json:"name"`
	Available   bool            `json:"available"`
	Fee         decimal.Decimal `json:"fee"`
	MaxLeverage int             `json:"max_leverage"`
}

// VenueOrder is the payload sent to an external venue on open.
type VenueOrder struct {
	Owner      string          `json:"owner"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Leverage   int             `json:"leverage"`
	Price      decimal.Decimal `json:"price"`
}

// VenueClose is the payload sent to an external venue on close.
type VenueClose struct {
	Owner      string          `json:"owner"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Reference  string          `json:"reference"`
	Price      decimal.Decimal `json:"price"`
}

// Fill is the outcome of a venue call. A failed fill carries a reason.
type Fill struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// VenueExecutor is the capability every external venue adapter implements.
type VenueExecutor interface {
	Name() VenueName
	Available() bool
	Open(ctx context.Context, order VenueOrder) (Fill, error)
	Close(ctx context.Context, req VenueClose) (Fill, error)
}
