package ws

import (
	"context"
	"encoding/json"
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

type frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func startHub(t *testing.T, bus domain.SignalBus) (*Hub, *websocket.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(bus, logger, Config{Mode: "Full"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	status := readFrame(t, conn)
	require.Equal(t, channelStatus, status.Channel)
	assert.Contains(t, string(status.Data), `"mode":"full"`)
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub, conn := startHub(t, nil)

	pos := &domain.Position{ID: 3, Owner: "alice", Instrument: "BTC"}
	require.NoError(t, hub.Handle(context.Background(), domain.Event{Kind: domain.EventLiquidation, Position: pos}))

	f := readFrame(t, conn)
	assert.Equal(t, domain.ChannelLiquidations, f.Channel)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, domain.EventLiquidation, ev.Kind)
	assert.Equal(t, domain.PositionID(3), ev.Position.ID)
}

func TestHubSubscriptions(t *testing.T) {
	hub, conn := startHub(t, nil)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelPositions}}))
	ack := readFrame(t, conn)
	require.Equal(t, channelSubscriptions, ack.Channel)
	var subs []string
	require.NoError(t, json.Unmarshal(ack.Data, &subs))
	assert.NotContains(t, subs, domain.ChannelPositions)

	require.NoError(t, hub.Handle(context.Background(), domain.Event{Kind: domain.EventPositionOpened}))
	require.NoError(t, hub.Handle(context.Background(), domain.Event{Kind: domain.EventFundingSettled}))

	f := readFrame(t, conn)
	assert.Equal(t, domain.ChannelFunding, f.Channel)
}

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	if channel == domain.ChannelPrices {
		return b.ch, nil
	}
	return make(chan []byte), nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestHubForwardsBusMessages(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1)}
	_, conn := startHub(t, bus)

	bus.ch <- []byte(`{"prices":{"BTC":"50000"}}`)
	f := readFrame(t, conn)
	assert.Equal(t, domain.ChannelPrices, f.Channel)
	assert.JSONEq(t, `{"prices":{"BTC":"50000"}}`, string(f.Data))
}

func TestHandleAfterShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(nil, logger, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Run(ctx), context.Canceled)
	assert.ErrorIs(t, hub.Handle(context.Background(), domain.Event{Kind: domain.EventPositionOpened}), ErrHubClosed)
}

func TestIsSubscribedWildcard(t *testing.T) {
	subs := newSubscriptions("fund*", domain.ChannelPrices)
	assert.True(t, subs.match("funding"))
	assert.True(t, subs.match(domain.ChannelPrices))
	assert.False(t, subs.match("positions"))

	subs.remove([]string{domain.ChannelPrices})
	assert.Equal(t, []string{"fund*"}, subs.list())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://APP.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))

	assert.True(t, originChecker(nil)(r))
}
