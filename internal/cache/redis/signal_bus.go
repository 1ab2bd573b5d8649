package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// DefaultStreamMaxLen caps each event stream (XADD MAXLEN ~).
const DefaultStreamMaxLen int64 = 10000

// payloadField is the single field every stream entry carries.
const payloadField = "payload"

// subscriberBuffer is how many payloads a slow subscriber may lag before
// delivery blocks.
const subscriberBuffer = 128

// SignalBus carries engine events over Redis: pub/sub channels for live
// fan-out and a capped stream per topic for replay. Channel and stream names
// live under the client's key prefix.
type SignalBus struct {
	c      *Client
	maxLen int64
}

// NewSignalBus returns a bus on c. maxLen <= 0 selects DefaultStreamMaxLen.
func NewSignalBus(c *Client, maxLen int64) *SignalBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &SignalBus{c: c, maxLen: maxLen}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.Underlying().Publish(ctx, sb.c.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers payloads from channel until ctx ends, then closes the
// returned channel. A channel name containing glob characters is a pattern
// subscription.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	key := sb.c.Key(channel)
	rdb := sb.c.Underlying()

	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = rdb.PSubscribe(ctx, key)
	} else {
		ps = rdb.Subscribe(ctx, key)
	}
	// The first reply confirms the subscription is live.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go forward(ctx, ps, out)
	return out, nil
}

func forward(ctx context.Context, ps *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer ps.Close()

	in := ps.Channel()
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		}
		select {
		case out <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

// StreamAppend adds payload to stream, trimming it to roughly maxLen.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.c.Underlying().XAdd(ctx, &redis.XAddArgs{
		Stream: sb.c.Key(stream),
		MaxLen: sb.maxLen,
		Approx: true,
		Values: []any{payloadField, payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries with an id greater than lastID.
// "", "0" and "0-0" read from the start of the stream.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	start := "-"
	if lastID != "" && lastID != "0" && lastID != "0-0" {
		start = "(" + lastID
	}
	entries, err := sb.c.Underlying().XRangeN(ctx, sb.c.Key(stream), start, "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: xrange %s: %w", stream, err)
	}

	out := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		if data, ok := streamPayload(e.Values); ok {
			out = append(out, domain.StreamMessage{ID: e.ID, Payload: data})
		}
	}
	return out, nil
}

// streamPayload extracts the payload field; entries without one are
// skipped.
func streamPayload(values map[string]any) ([]byte, bool) {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
