// Package feed keeps the in-memory price book the engine reads from and the
// goroutines that keep it current.
package feed

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

type mark struct {
	value decimal.Decimal
	at    time.Time
}

// Book holds the latest price and funding rate of every configured
// instrument. Updates for instruments outside the configured set are ignored.
// It is safe for concurrent use.
type Book struct {
	mu      sync.RWMutex
	symbols []string
	known   map[string]struct{}
	prices  map[string]mark
	funding map[string]mark
	updated time.Time

	maxAge time.Duration
	now    func() time.Time
}

// NewBook creates a Book for symbols. A positive maxAge makes prices older
// than maxAge unusable.
func NewBook(symbols []string, maxAge time.Duration) *Book {
	b := &Book{
		known:   make(map[string]struct{}, len(symbols)),
		prices:  make(map[string]mark, len(symbols)),
		funding: make(map[string]mark, len(symbols)),
		maxAge:  maxAge,
		now:     time.Now,
	}
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := b.known[s]; dup {
			continue
		}
		b.known[s] = struct{}{}
		b.symbols = append(b.symbols, s)
	}
	return b
}

// Symbols returns the configured instruments in configuration order.
func (b *Book) Symbols() []string {
	return append([]string(nil), b.symbols...)
}

// Supports reports whether symbol is a configured instrument.
func (b *Book) Supports(symbol string) bool {
	_, ok := b.known[strings.ToUpper(symbol)]
	return ok
}

// UpdatePrices stores positive prices for configured instruments and returns
// how many were applied.
func (b *Book) UpdatePrices(quotes []domain.Quote) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, q := range quotes {
		sym := strings.ToUpper(q.Symbol)
		if _, ok := b.known[sym]; !ok || !q.Price.IsPositive() {
			continue
		}
		at := q.At
		if at.IsZero() {
			at = b.now()
		}
		if cur, ok := b.prices[sym]; ok && at.Before(cur.at) {
			continue
		}
		b.prices[sym] = mark{value: q.Price, at: at}
		n++
	}
	if n > 0 {
		b.updated = b.now()
	}
	return n
}

// UpdateFunding stores funding rates for configured instruments and returns
// how many were applied.
func (b *Book) UpdateFunding(quotes []domain.FundingQuote) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, q := range quotes {
		sym := strings.ToUpper(q.Symbol)
		if _, ok := b.known[sym]; !ok {
			continue
		}
		at := q.At
		if at.IsZero() {
			at = b.now()
		}
		b.funding[sym] = mark{value: q.Rate, at: at}
		n++
	}
	return n
}

// Price returns the current price of symbol.
func (b *Book) Price(symbol string) (decimal.Decimal, error) {
	sym := strings.ToUpper(symbol)
	b.mu.RLock()
	m, ok := b.prices[sym]
	b.mu.RUnlock()

	if !ok {
		return decimal.Zero, fmt.Errorf("feed: price %q: %w", sym, domain.ErrUnknownInstrument)
	}
	if b.maxAge > 0 && b.now().Sub(m.at) > b.maxAge {
		return decimal.Zero, fmt.Errorf("feed: price %q from %s: %w", sym, m.at.Format(time.RFC3339), domain.ErrStalePrice)
	}
	return m.value, nil
}

// FundingRate returns the last funding rate of symbol.
func (b *Book) FundingRate(symbol string) (decimal.Decimal, error) {
	sym := strings.ToUpper(symbol)
	b.mu.RLock()
	m, ok := b.funding[sym]
	b.mu.RUnlock()

	if !ok {
		return decimal.Zero, fmt.Errorf("feed: funding %q: %w", sym, domain.ErrNoFundingRate)
	}
	return m.value, nil
}

// Prices returns a copy of every known price.
func (b *Book) Prices() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.prices))
	for s, m := range b.prices {
		out[s] = m.value
	}
	return out
}

// FundingRates returns a copy of every known funding rate.
func (b *Book) FundingRates() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.funding))
	for s, m := range b.funding {
		out[s] = m.value
	}
	return out
}

// PriceRow is one line of the price table served to clients.
type PriceRow struct {
	Symbol      string           `json:"symbol"`
	Price       decimal.Decimal  `json:"price"`
	FundingRate *decimal.Decimal `json:"funding_rate,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Table returns the priced instruments sorted by symbol.
func (b *Book) Table() []PriceRow {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rows := make([]PriceRow, 0, len(b.prices))
	for s, m := range b.prices {
		row := PriceRow{Symbol: s, Price: m.value, UpdatedAt: m.at}
		if f, ok := b.funding[s]; ok {
			rate := f.value
			row.FundingRate = &rate
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return rows
}

// LastUpdate returns when a price was last applied.
func (b *Book) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

var _ domain.PriceFeed = (*Book)(nil)
