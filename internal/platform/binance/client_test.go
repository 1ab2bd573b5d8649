package binance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

func TestFetchPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		_, _ = io.WriteString(w, `[
			{"symbol":"BTCUSDT","price":"65000.10"},
			{"symbol":"ETHUSDT","price":"3200.5"},
			{"symbol":"ETHBTC","price":"0.05"},
			{"symbol":"SOLUSDT","price":"not-a-number"}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, time.Second)
	quotes, err := c.FetchPrices(context.Background(), []string{"BTC", "eth", "SOL"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	bySym := map[string]string{}
	for _, q := range quotes {
		bySym[q.Symbol] = q.Price.String()
	}
	assert.Equal(t, "65000.1", bySym["BTC"])
	assert.Equal(t, "3200.5", bySym["ETH"])
}

func TestFetchFundingRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		_, _ = io.WriteString(w, `[
			{"symbol":"BTCUSDT","markPrice":"65010","lastFundingRate":"0.00010000","time":1700000000000},
			{"symbol":"DOGEUSDT","markPrice":"0.1","lastFundingRate":"-0.00025","time":1700000000000}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, time.Second)
	quotes, err := c.FetchFundingRates(context.Background(), []string{"BTC", "DOGE", "ETH"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "BTC", quotes[0].Symbol)
	assert.Equal(t, "0.0001", quotes[0].Rate.String())
	assert.Equal(t, "-0.00025", quotes[1].Rate.String())
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), quotes[1].At)
}

func TestCheckStatus(t *testing.T) {
	assert.NoError(t, checkStatus(200, nil))
	assert.ErrorIs(t, checkStatus(429, []byte(`{"code":-1003,"msg":"too many requests"}`)), domain.ErrRateLimited)
	assert.ErrorIs(t, checkStatus(418, nil), domain.ErrRateLimited)
	assert.ErrorIs(t, checkStatus(401, nil), domain.ErrUnauthorized)

	err := checkStatus(500, []byte(`{"code":-1000,"msg":"unknown"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestFetchPricesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"code":-1003,"msg":"slow down"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.URL, time.Second).FetchPrices(context.Background(), []string{"BTC"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestMarkPriceStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, markPricePath, r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[
			{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"65000.5","r":"0.0001"},
			{"e":"markPriceUpdate","E":1700000000000,"s":"XYZUSDT","p":"1","r":"0"}
		]`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	type batch struct {
		prices  []domain.Quote
		funding []domain.FundingQuote
	}
	got := make(chan batch, 1)
	host := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewMarkPriceStream(host, []string{"BTC"}, func(p []domain.Quote, f []domain.FundingQuote) {
		select {
		case got <- batch{p, f}:
		default:
		}
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	select {
	case b := <-got:
		require.Len(t, b.prices, 1)
		assert.Equal(t, "BTC", b.prices[0].Symbol)
		assert.Equal(t, "65000.5", b.prices[0].Price.String())
		require.Len(t, b.funding, 1)
		assert.Equal(t, "0.0001", b.funding[0].Rate.String())
	case <-ctx.Done():
		t.Fatal("no mark price batch received")
	}
}
