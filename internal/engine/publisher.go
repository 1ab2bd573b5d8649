package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/metrics"
)

// Sink receives engine events from the Publisher.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev domain.Event) error
}

// Publisher drains the engine event stream into its sinks. A failing sink is
// logged and counted and does not hold up the others.
type Publisher struct {
	events  <-chan domain.Event
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher creates a Publisher reading from events.
func NewPublisher(events <-chan domain.Event, m *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Publisher {
	return &Publisher{
		events:  events,
		sinks:   sinks,
		timeout: 5 * time.Second,
		metrics: m,
		logger:  logger.With(slog.String("component", "event_publisher")),
	}
}

// Run publishes events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	names := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		names[i] = s.Name()
	}
	p.logger.Info("event publisher started", slog.Any("sinks", names))
	defer p.logger.Info("event publisher stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.events:
			if !ok {
				return nil
			}
			p.dispatch(ctx, ev)
		}
	}
}

func (p *Publisher) dispatch(ctx context.Context, ev domain.Event) {
	for _, s := range p.sinks {
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := s.Handle(sctx, ev)
		cancel()
		if err != nil {
			p.metrics.RecordPersistFailure(s.Name())
			p.logger.WarnContext(ctx, "event sink failed",
				slog.String("sink", s.Name()),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Publish is the subset of a message bus the BusSink needs.
type Publish interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type streamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// BusSink publishes every event as JSON on its channel. When the bus also
// keeps durable streams, the event is appended to domain.StreamEvents.
type BusSink struct {
	name string
	bus  Publish
}

// NewBusSink creates a BusSink named after its backend.
func NewBusSink(name string, bus Publish) *BusSink {
	return &BusSink{name: name, bus: bus}
}

func (s *BusSink) Name() string { return s.name }

func (s *BusSink) Handle(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.bus.Publish(ctx, ev.Channel(), payload); err != nil {
		return err
	}
	if st, ok := s.bus.(streamAppender); ok {
		return st.StreamAppend(ctx, domain.StreamEvents, payload)
	}
	return nil
}

// AuditSink writes every event to the audit log.
type AuditSink struct {
	store domain.AuditStore
}

func NewAuditSink(store domain.AuditStore) *AuditSink { return &AuditSink{store: store} }

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Handle(ctx context.Context, ev domain.Event) error {
	if ev.Kind == domain.EventPriceUpdate {
		return nil
	}
	detail, err := eventDetail(ev)
	if err != nil {
		return err
	}
	return s.store.Log(ctx, ev.Kind, detail)
}

func eventDetail(ev domain.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var detail map[string]any
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	delete(detail, "kind")
	return detail, nil
}

// HistorySink archives every closed or liquidated position.
type HistorySink struct {
	store domain.HistoryStore
}

func NewHistorySink(store domain.HistoryStore) *HistorySink { return &HistorySink{store: store} }

func (s *HistorySink) Name() string { return "history" }

func (s *HistorySink) Handle(ctx context.Context, ev domain.Event) error {
	if ev.Record == nil {
		return nil
	}
	return s.store.Append(ctx, *ev.Record)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	Label string
	Fn    func(ctx context.Context, ev domain.Event) error
}

func (f SinkFunc) Name() string { return f.Label }

func (f SinkFunc) Handle(ctx context.Context, ev domain.Event) error { return f.Fn(ctx, ev) }
