package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// CacheSource reads prices another process mirrored into a shared cache.
type CacheSource struct {
	cache domain.PriceCache
}

// NewCacheSource wraps cache as a MarketSource.
func NewCacheSource(cache domain.PriceCache) *CacheSource {
	return &CacheSource{cache: cache}
}

func (c *CacheSource) Name() string { return "cache" }

func (c *CacheSource) FetchPrices(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	prices, err := c.cache.GetPrices(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("feed: cache prices: %w", err)
	}
	now := time.Now().UTC()
	out := make([]domain.Quote, 0, len(prices))
	for _, s := range symbols {
		if p, ok := prices[s]; ok {
			out = append(out, domain.Quote{Symbol: s, Price: p, At: now})
		}
	}
	return out, nil
}

func (c *CacheSource) FetchFundingRates(ctx context.Context, symbols []string) ([]domain.FundingQuote, error) {
	rates, err := c.cache.GetFundingRates(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("feed: cache funding rates: %w", err)
	}
	now := time.Now().UTC()
	out := make([]domain.FundingQuote, 0, len(rates))
	for _, s := range symbols {
		if r, ok := rates[s]; ok {
			out = append(out, domain.FundingQuote{Symbol: s, Rate: r, At: now})
		}
	}
	return out, nil
}

var _ domain.MarketSource = (*CacheSource)(nil)
