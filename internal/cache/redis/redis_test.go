package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// newTestClient connects to PERPS_TEST_REDIS_ADDR under a per-test key
// prefix, or skips the test when the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("PERPS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PERPS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := fmt.Sprintf("perpstest:%s:%d", t.Name(), time.Now().UnixNano())
	c, err := New(ctx, ClientConfig{Addr: addr, KeyPrefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := c.Underlying().Keys(ctx, c.Key("*")).Result()
		if len(keys) > 0 {
			c.Underlying().Del(ctx, keys...)
		}
		_ = c.Close()
	})
	return c
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "perps:", normalizePrefix(""))
	assert.Equal(t, "desk:", normalizePrefix("desk"))
	assert.Equal(t, "desk:", normalizePrefix(" desk: "))

	c := &Client{prefix: normalizePrefix("desk")}
	assert.Equal(t, "desk:price:BTC", c.Key("price", "BTC"))
}

func TestClientOptions(t *testing.T) {
	opts, err := ClientConfig{Addr: "localhost:6379", PoolSize: 4}.options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 4, opts.PoolSize)
	assert.Nil(t, opts.TLSConfig)

	opts, err = ClientConfig{Addr: "rediss://:secret@cache:6380/2", DB: 3}.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.NotNil(t, opts.TLSConfig)

	_, err = ClientConfig{Addr: "http://cache"}.options()
	assert.Error(t, err)
}

func TestPriceCacheRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	pc := NewPriceCache(c, time.Minute)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, pc.SetPrice(ctx, "BTC", decimal.RequireFromString("50123.45"), at))
	require.NoError(t, pc.SetFundingRate(ctx, "BTC", decimal.RequireFromString("0.0001"), at))

	price, ts, err := pc.GetPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "50123.45", price.String())
	assert.True(t, at.Equal(ts))

	_, _, err = pc.GetPrice(ctx, "DOGE")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	prices, err := pc.GetPrices(ctx, []string{"BTC", "DOGE"})
	require.NoError(t, err)
	assert.Len(t, prices, 1)

	rates, err := pc.GetFundingRates(ctx, []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, "0.0001", rates["BTC"].String())
}

func TestLockManagerExclusive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "engine", 5*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "engine", 5*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, lm.Refresh(ctx, "engine", 10*time.Second))

	unlock()
	unlock()
	assert.ErrorIs(t, lm.Refresh(ctx, "engine", time.Second), domain.ErrNotFound)

	unlock2, err := lm.Acquire(ctx, "engine", 5*time.Second)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiterWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "alice", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "alice", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "bob", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sb := NewSignalBus(c, 100)

	msgs, err := sb.Subscribe(ctx, domain.ChannelPositions)
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, domain.ChannelPositions, []byte(`{"id":1}`)))

	select {
	case got := <-msgs:
		assert.JSONEq(t, `{"id":1}`, string(got))
	case <-ctx.Done():
		t.Fatal("no message received")
	}

	require.NoError(t, sb.StreamAppend(ctx, domain.StreamEvents, []byte("a")))
	require.NoError(t, sb.StreamAppend(ctx, domain.StreamEvents, []byte("b")))
	entries, err := sb.StreamRead(ctx, domain.StreamEvents, "0", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", string(entries[0].Payload))
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewSnapshotStore(c)

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pos := domain.Position{
		ID: 1, Owner: "alice", Instrument: "BTC", Side: domain.SideLong,
		Size: decimal.NewFromInt(1000), Margin: decimal.NewFromInt(100), Leverage: 10,
		EntryPrice: decimal.NewFromInt(50000), Venue: domain.VenuePaper,
	}
	snap := domain.Snapshot{
		Positions: map[domain.PositionID]domain.Position{1: pos},
		Pool:      domain.LiquidityPool{Capital: decimal.NewFromInt(100000), Mode: domain.PoolSimulated},
		NextID:    3,
		History: []domain.HistoryRecord{
			{Position: domain.Position{ID: 2, Owner: "bob"}, Reason: domain.CloseManual},
		},
	}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionID(3), got.NextID)
	require.Contains(t, got.Positions, domain.PositionID(1))
	assert.True(t, got.Positions[1].EntryPrice.Equal(pos.EntryPrice))
	require.Len(t, got.History, 1)
	assert.Equal(t, "bob", got.History[0].Owner)

	snap.History = nil
	require.NoError(t, store.Save(ctx, snap))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.History)
}

func TestStreamPayload(t *testing.T) {
	got, ok := streamPayload(map[string]any{"payload": "x"})
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), got)

	_, ok = streamPayload(map[string]any{"other": "x"})
	assert.False(t, ok)
}

func TestSignalBusStreamReadAfterID(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	sb := NewSignalBus(c, 100)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, sb.StreamAppend(ctx, domain.StreamEvents, []byte(p)))
	}
	first, err := sb.StreamRead(ctx, domain.StreamEvents, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := sb.StreamRead(ctx, domain.StreamEvents, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Payload))
}
