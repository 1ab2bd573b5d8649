package ws

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// subscribeMsg is the JSON message a client sends to change subscriptions.
// A channel ending in "*" matches every channel with that prefix.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// subscriptions is a client's channel set.
type subscriptions struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func newSubscriptions(channels ...string) *subscriptions {
	s := &subscriptions{set: make(map[string]struct{}, len(channels))}
	s.add(channels)
	return s
}

func (s *subscriptions) add(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.set[ch] = struct{}{}
	}
}

func (s *subscriptions) remove(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.set, ch)
	}
}

func (s *subscriptions) list() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.set))
	for ch := range s.set {
		out = append(out, ch)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *subscriptions) match(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.set[channel]; ok {
		return true
	}
	for sub := range s.set {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// client is one WebSocket connection. send is closed exactly once, by
// closeSend, which ends writeLoop.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	subs *subscriptions

	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:  h,
		conn: conn,
		subs: newSubscriptions(DefaultChannels...),
		send: make(chan []byte, sendBufferSize),
	}
}

// trySend queues a frame without blocking. It reports false when the buffer
// is full or the client is closing.
func (c *client) trySend(b []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) push(channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(encodeFrame(channel, data))
}

// readLoop applies subscription requests until the connection fails, then
// detaches the client.
func (c *client) readLoop() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("connection closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs.add(msg.Channels)
		case "unsubscribe":
			c.subs.remove(msg.Channels)
		default:
			continue
		}
		c.push(channelSubscriptions, c.subs.list())
	}
}

// writeLoop drains send and keeps the connection alive with pings.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
