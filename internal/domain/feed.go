package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed supplies the current mark price and funding rate per instrument.
// A missing entry is an error, never zero.
type PriceFeed interface {
	Price(symbol string) (decimal.Decimal, error)
	FundingRate(symbol string) (decimal.Decimal, error)
}

// Quote is one upstream price observation.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// FundingQuote is one upstream funding-rate observation.
type FundingQuote struct {
	Symbol string
	Rate   decimal.Decimal
	At     time.Time
}

// MarketSource is a pull-based upstream for prices and funding rates.
type MarketSource interface {
	Name() string
	FetchPrices(ctx context.Context, symbols []string) ([]Quote, error)
	FetchFundingRates(ctx context.Context, symbols []string) ([]FundingQuote, error)
}
