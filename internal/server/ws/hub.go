// Package ws fans engine events out to WebSocket clients. Events reach the
// hub either in-process through Handle or from the signal bus when the
// engine runs in another process.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// Hub-generated channels, alongside the engine's.
const (
	channelStatus        = "status"
	channelSubscriptions = "subscriptions"
)

const fanoutBuffer = 256

// ErrHubClosed is returned by Handle after Run has exited.
var ErrHubClosed = errors.New("ws: hub closed")

// DefaultChannels are the engine channels every client starts subscribed to.
var DefaultChannels = []string{
	domain.ChannelPositions,
	domain.ChannelLiquidations,
	domain.ChannelFunding,
	domain.ChannelPrices,
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	// Channels overrides the bus channels the hub bridges.
	Channels []string
	// Origins restricts browser origins allowed to connect. Empty allows
	// any.
	Origins []string
}

// wireFrame is what clients receive: the channel and its JSON payload.
type wireFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func encodeFrame(channel string, data json.RawMessage) []byte {
	b, _ := json.Marshal(wireFrame{Channel: channel, Data: data})
	return b
}

type outbound struct {
	channel string
	data    []byte
}

// Hub owns the connected clients and delivers each outbound frame to the
// clients subscribed to its channel.
type Hub struct {
	bus      domain.SignalBus
	channels []string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mode      string
	startedAt time.Time

	out  chan outbound
	done chan struct{}
	stop sync.Once

	mu    sync.Mutex
	conns map[*client]struct{}
}

// NewHub creates a hub. bus may be nil, in which case events arrive only
// through Handle.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	h := &Hub{
		bus:       bus,
		channels:  cfg.Channels,
		logger:    logger.With(slog.String("component", "ws")),
		mode:      strings.ToLower(strings.TrimSpace(cfg.Mode)),
		startedAt: cfg.StartedAt,
		out:       make(chan outbound, fanoutBuffer),
		done:      make(chan struct{}),
		conns:     make(map[*client]struct{}),
	}
	if h.mode == "" {
		h.mode = "unknown"
	}
	if h.startedAt.IsZero() {
		h.startedAt = time.Now().UTC()
	}
	if len(h.channels) == 0 {
		h.channels = DefaultChannels
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Origins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, err := url.Parse(origin); err != nil {
			return false
		}
		return slices.ContainsFunc(allowed, func(o string) bool { return strings.EqualFold(o, origin) })
	}
}

// Run delivers frames until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stop.Do(func() { close(h.done) })

	if h.bus != nil {
		for _, ch := range h.channels {
			go h.bridge(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.conns {
				c.closeSend()
			}
			clear(h.conns)
			h.mu.Unlock()
			return ctx.Err()
		case msg := <-h.out:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.subs.match(msg.channel) && !c.trySend(msg.data) {
			h.logger.Warn("client too slow, frame dropped", slog.String("channel", msg.channel))
		}
	}
}

// Name identifies the hub as an event sink.
func (h *Hub) Name() string { return "ws" }

// Handle queues ev on its channel without blocking. A full queue drops the
// event and reports an error.
func (h *Hub) Handle(_ context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ws: encode event: %w", err)
	}
	return h.enqueue(ev.Channel(), data)
}

// enqueue wraps payload in a frame. Payloads that are not JSON are sent as a
// JSON string.
func (h *Hub) enqueue(channel string, payload []byte) error {
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(payload))
	}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.out <- outbound{channel: channel, data: encodeFrame(channel, payload)}:
		return nil
	default:
		return fmt.Errorf("ws: queue full, dropped %s frame", channel)
	}
}

// bridge relays one bus channel into the hub until ctx ends or the
// subscription closes.
func (h *Hub) bridge(ctx context.Context, channel string) {
	log := h.logger.With(slog.String("channel", channel))
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		log.Error("bus subscribe failed", slog.String("error", err.Error()))
		return
	}
	log.Debug("bridging bus channel")

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				log.Warn("bus subscription ended")
				return
			}
			switch err := h.enqueue(channel, data); {
			case errors.Is(err, ErrHubClosed):
				return
			case err != nil:
				log.Warn("bus message dropped", slog.String("error", err.Error()))
			}
		}
	}
}

// HandleWS upgrades the request and attaches the connection.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newClient(h, conn)

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("client connected", slog.Int("clients", n))
	c.push(channelStatus, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": max(int64(time.Since(h.startedAt).Seconds()), 0),
		"clients":        n,
	})

	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	if ok {
		c.closeSend()
		h.logger.Info("client disconnected", slog.Int("clients", n))
	}
}
