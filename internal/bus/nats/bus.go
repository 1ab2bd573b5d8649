// Package natsbus carries engine events and price updates over NATS core
// subjects, with optional JetStream-backed durable streams.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// Config holds connection parameters for the NATS bus.
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	Timeout       time.Duration
}

// Bus implements the publish/subscribe half of domain.SignalBus on NATS
// core subjects. Channel names map to "{prefix}.{channel}".
type Bus struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect dials the NATS server with unlimited reconnects.
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger = logger.With(slog.String("component", "nats_bus"))

	nc, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return &Bus{nc: nc, prefix: normalizePrefix(cfg.SubjectPrefix), logger: logger}, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), ".")
	if p == "" {
		return "perps"
	}
	return p
}

// Subject maps a bus channel to its NATS subject. Redis-style glob
// patterns ending in "*" become the NATS full wildcard.
func (b *Bus) Subject(channel string) string {
	channel = strings.ReplaceAll(channel, ":", ".")
	if strings.HasSuffix(channel, "*") {
		channel = strings.TrimSuffix(channel, "*") + ">"
	}
	return b.prefix + "." + channel
}

// Publish sends payload on the channel's subject.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.nc.Publish(b.Subject(channel), payload); err != nil {
		return fmt.Errorf("nats: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers payloads published on channel until ctx is cancelled,
// at which point the returned channel is closed.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	msgs := make(chan *nats.Msg, 128)
	sub, err := b.nc.ChanSubscribe(b.Subject(channel), msgs)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				select {
				case out <- m.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping reports whether the connection is up.
func (b *Bus) Ping(_ context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats: %s", b.nc.Status())
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// StreamBus adds JetStream-backed durable streams to Bus and implements the
// full domain.SignalBus. Stream message ids are JetStream sequence numbers.
type StreamBus struct {
	*Bus
	js      nats.JetStreamContext
	maxMsgs int64

	mu    sync.Mutex
	known map[string]bool
}

// WithStreams enables durable streams. Each bus stream is backed by a
// JetStream stream created on first use and capped at maxMsgs messages.
func (b *Bus) WithStreams(maxMsgs int64) (*StreamBus, error) {
	js, err := b.nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}
	if maxMsgs <= 0 {
		maxMsgs = 10000
	}
	return &StreamBus{Bus: b, js: js, maxMsgs: maxMsgs, known: make(map[string]bool)}, nil
}

// streamName maps a bus stream to a valid JetStream stream name.
func (sb *StreamBus) streamName(stream string) string {
	r := strings.NewReplacer(".", "_", ":", "_", "*", "_", ">", "_", " ", "_")
	return strings.ToUpper(r.Replace(sb.prefix + "_" + stream))
}

func (sb *StreamBus) ensure(stream string) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.known[stream] {
		return nil
	}
	name := sb.streamName(stream)
	_, err := sb.js.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = sb.js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: []string{sb.Subject(stream)},
			MaxMsgs:  sb.maxMsgs,
			Discard:  nats.DiscardOld,
		})
	}
	if err != nil {
		return fmt.Errorf("nats: ensure stream %s: %w", name, err)
	}
	sb.known[stream] = true
	return nil
}

// StreamAppend appends payload to the durable stream.
func (sb *StreamBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	if err := sb.ensure(stream); err != nil {
		return err
	}
	if _, err := sb.js.Publish(sb.Subject(stream), payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count messages with a sequence greater than
// lastID. "0", "" and "0-0" read from the beginning.
func (sb *StreamBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if err := sb.ensure(stream); err != nil {
		return nil, err
	}
	var after uint64
	if lastID != "" && lastID != "0" && lastID != "0-0" {
		n, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nats: stream read %s: bad id %q", stream, lastID)
		}
		after = n
	}

	name := sb.streamName(stream)
	info, err := sb.js.StreamInfo(name, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("nats: stream read %s: %w", stream, err)
	}
	seq := after + 1
	if seq < info.State.FirstSeq {
		seq = info.State.FirstSeq
	}

	var out []domain.StreamMessage
	for ; seq <= info.State.LastSeq && len(out) < count; seq++ {
		msg, err := sb.js.GetMsg(name, seq, nats.Context(ctx))
		if errors.Is(err, nats.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("nats: stream read %s seq %d: %w", stream, seq, err)
		}
		out = append(out, domain.StreamMessage{ID: strconv.FormatUint(msg.Sequence, 10), Payload: msg.Data})
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.SignalBus = (*StreamBus)(nil)
