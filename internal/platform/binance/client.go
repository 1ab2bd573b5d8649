// Package binance reads spot prices and perpetual funding rates from the
// public Binance market-data APIs.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

const (
	DefaultSpotHost    = "https://api.binance.com"
	DefaultFuturesHost = "https://fapi.binance.com"
	DefaultStreamHost  = "wss://fstream.binance.com"

	quoteAsset = "USDT"
)

// Client is the REST client for Binance public market data.
type Client struct {
	spotURL    string
	futuresURL string
	httpClient *http.Client
}

// NewClient creates a Client. Empty hosts fall back to the public endpoints.
func NewClient(spotURL, futuresURL string, timeout time.Duration) *Client {
	if spotURL == "" {
		spotURL = DefaultSpotHost
	}
	if futuresURL == "" {
		futuresURL = DefaultFuturesHost
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		spotURL:    strings.TrimRight(spotURL, "/"),
		futuresURL: strings.TrimRight(futuresURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the source in logs and metrics.
func (c *Client) Name() string { return "binance" }

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// FetchPrices returns the latest spot price for each requested instrument
// that Binance lists against USDT. Unlisted instruments are omitted.
func (c *Client) FetchPrices(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	var tickers []tickerPrice
	if err := c.getJSON(ctx, c.spotURL+"/api/v3/ticker/price", &tickers); err != nil {
		return nil, fmt.Errorf("binance: fetch prices: %w", err)
	}

	wanted := pairIndex(symbols)
	now := time.Now().UTC()
	quotes := make([]domain.Quote, 0, len(symbols))
	for _, t := range tickers {
		sym, ok := wanted[t.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil || !price.IsPositive() {
			continue
		}
		quotes = append(quotes, domain.Quote{Symbol: sym, Price: price, At: now})
	}
	return quotes, nil
}

// FetchFundingRates returns the last funding rate of each requested
// instrument's USDT perpetual.
func (c *Client) FetchFundingRates(ctx context.Context, symbols []string) ([]domain.FundingQuote, error) {
	var idx []premiumIndex
	if err := c.getJSON(ctx, c.futuresURL+"/fapi/v1/premiumIndex", &idx); err != nil {
		return nil, fmt.Errorf("binance: fetch funding rates: %w", err)
	}

	wanted := pairIndex(symbols)
	quotes := make([]domain.FundingQuote, 0, len(symbols))
	for _, p := range idx {
		sym, ok := wanted[p.Symbol]
		if !ok {
			continue
		}
		rate, err := decimal.NewFromString(p.LastFundingRate)
		if err != nil {
			continue
		}
		at := time.Now().UTC()
		if p.Time > 0 {
			at = time.UnixMilli(p.Time).UTC()
		}
		quotes = append(quotes, domain.FundingQuote{Symbol: sym, Rate: rate, At: at})
	}
	return quotes, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// checkStatus maps non-2xx HTTP status codes to errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusTeapot:
		return fmt.Errorf("binance: %s (%d): %w", apiErr.Msg, apiErr.Code, domain.ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("binance: %s (%d): %w", apiErr.Msg, apiErr.Code, domain.ErrUnauthorized)
	default:
		return fmt.Errorf("binance: HTTP %d: %s (%d)", statusCode, apiErr.Msg, apiErr.Code)
	}
}

// Pair returns the USDT pair name Binance uses for an instrument.
func Pair(symbol string) string {
	return strings.ToUpper(symbol) + quoteAsset
}

func pairIndex(symbols []string) map[string]string {
	out := make(map[string]string, len(symbols))
	for _, s := range symbols {
		out[Pair(s)] = strings.ToUpper(s)
	}
	return out
}

var _ domain.MarketSource = (*Client)(nil)
