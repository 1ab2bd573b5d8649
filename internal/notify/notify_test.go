package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

type recordingSender struct {
	name     string
	err      error
	titles   []string
	messages []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.messages = append(r.messages, message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersByKind(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discard())

	require.NoError(t, n.Handle(context.Background(), domain.Event{Kind: domain.EventPositionOpened}))
	require.NoError(t, n.Handle(context.Background(), domain.Event{Kind: domain.EventLiquidation}))
	require.NoError(t, n.Handle(context.Background(), domain.Event{Kind: domain.EventPersistenceError, Message: "disk full"}))
	assert.Equal(t, []string{"Position liquidated", "Snapshot persistence failing"}, s.titles)
	require.Len(t, s.messages, 2)
	assert.Contains(t, s.messages[1], "disk full")

	custom := &recordingSender{name: "custom"}
	n = NewNotifier([]Sender{custom}, []string{" position_opened "}, discard())
	require.NoError(t, n.Handle(context.Background(), domain.Event{Kind: domain.EventPositionOpened}))
	require.NoError(t, n.Handle(context.Background(), domain.Event{Kind: domain.EventLiquidation}))
	assert.Len(t, custom.titles, 1)
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.titles, 1)
}

func TestFormatLiquidation(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &domain.HistoryRecord{
		Position: domain.Position{
			ID: 12, Owner: "alice", Instrument: "BTC", Side: domain.SideLong,
			Size: decimal.NewFromInt(1000), Margin: decimal.NewFromInt(100), Leverage: 10,
			EntryPrice: decimal.NewFromInt(50000),
		},
		ExitPrice: decimal.NewFromInt(45400),
		Reason:    domain.CloseLiquidation,
	}
	title, msg := Format(domain.Event{Kind: domain.EventLiquidation, At: at, Record: rec})
	assert.Equal(t, "Position liquidated", title)
	assert.Contains(t, msg, "#12 alice long BTC")
	assert.Contains(t, msg, "exit 45400")
	assert.Contains(t, msg, "margin lost 100")
	assert.Contains(t, msg, "2026-03-01 12:00:00 UTC")

	title, msg = Format(domain.Event{
		Kind:      domain.EventVenueFallback,
		Execution: &domain.ExecutionReport{Venue: domain.VenueGMX, FallbackReason: "timeout"},
	})
	assert.Equal(t, "Venue fallback", title)
	assert.Equal(t, "venue GMX filled by simulation: timeout", msg)
}

func TestDiscordSender(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Title", "Body"))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Title", got.Embeds[0].Title)
	assert.Equal(t, "Body", got.Embeds[0].Description)
}

func TestTelegramSender(t *testing.T) {
	var (
		path string
		got  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["chat_id"] == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42").WithAPIBase(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "venue_fallback", "GMX down"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "*venue\\_fallback*\n```\nGMX down\n```", got["text"])

	err := NewTelegramSender("tok", "bad").WithAPIBase(srv.URL).Send(context.Background(), "t", "")
	assert.ErrorContains(t, err, "unexpected status 400")
}
