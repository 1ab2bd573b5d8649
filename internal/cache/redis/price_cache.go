package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each
// instrument's mark is a hash at "{prefix}price:{symbol}" and its funding
// rate at "{prefix}funding:{symbol}", both with fields "value" and "ts"
// (Unix nanoseconds).
type PriceCache struct {
	c   *Client
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A positive ttl expires entries that
// stop being refreshed.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, rdb: c.Underlying(), ttl: ttl}
}

func (pc *PriceCache) priceKey(symbol string) string   { return pc.c.Key("price", symbol) }
func (pc *PriceCache) fundingKey(symbol string) string { return pc.c.Key("funding", symbol) }

func (pc *PriceCache) set(ctx context.Context, key string, v decimal.Decimal, ts time.Time) error {
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"value": v.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SetPrice stores the latest price and timestamp for an instrument.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	if err := pc.set(ctx, pc.priceKey(symbol), price, ts); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// SetFundingRate stores the latest funding rate for an instrument.
func (pc *PriceCache) SetFundingRate(ctx context.Context, symbol string, rate decimal.Decimal, ts time.Time) error {
	if err := pc.set(ctx, pc.fundingKey(symbol), rate, ts); err != nil {
		return fmt.Errorf("redis: set funding %s: %w", symbol, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for an instrument.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.priceKey(symbol)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	v, ts, ok := parseEntry(vals)
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return v, ts, nil
}

// GetPrices retrieves the latest prices for several instruments in one
// pipeline. Missing instruments are omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	return pc.getMany(ctx, symbols, pc.priceKey)
}

// GetFundingRates retrieves the latest funding rates for several
// instruments. Missing instruments are omitted from the result.
func (pc *PriceCache) GetFundingRates(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	return pc.getMany(ctx, symbols, pc.fundingKey)
}

func (pc *PriceCache) getMany(ctx context.Context, symbols []string, key func(string) string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, s := range symbols {
		cmds[s] = pipe.HGetAll(ctx, key(s))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get many pipeline: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(symbols))
	for s, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if v, _, ok := parseEntry(vals); ok {
			result[s] = v
		}
	}
	return result, nil
}

func parseEntry(vals map[string]string) (decimal.Decimal, time.Time, bool) {
	raw, ok := vals["value"]
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, time.Time{}, false
	}
	var ts time.Time
	if n, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		ts = time.Unix(0, n).UTC()
	}
	return v, ts, true
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
