// Package notify delivers operator alerts for engine events. Alerts are
// dispatched to every registered sender (Telegram, Discord) and filtered by
// event kind so operators receive only the ones they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// DefaultEvents are the event kinds forwarded when none are configured.
var DefaultEvents = []domain.EventKind{
	domain.EventLiquidation,
	domain.EventVenueFallback,
	domain.EventPersistenceError,
}

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string // "telegram", "discord"
}

// Notifier is an engine event sink that forwards selected event kinds to
// every sender.
type Notifier struct {
	senders []Sender
	kinds   map[domain.EventKind]struct{}
	logger  *slog.Logger
}

// NewNotifier forwards the listed event kinds, or DefaultEvents when none
// are given.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	kinds := make(map[domain.EventKind]struct{})
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			kinds[domain.EventKind(e)] = struct{}{}
		}
	}
	if len(kinds) == 0 {
		for _, k := range DefaultEvents {
			kinds[k] = struct{}{}
		}
	}
	return &Notifier{senders: senders, kinds: kinds, logger: logger.With(slog.String("component", "notifier"))}
}

func (n *Notifier) Name() string { return "notify" }

// Handle alerts on ev when its kind was selected.
func (n *Notifier) Handle(ctx context.Context, ev domain.Event) error {
	if _, ok := n.kinds[ev.Kind]; !ok {
		return nil
	}
	title, message := Format(ev)
	return n.NotifyAll(ctx, title, message)
}

// NotifyAll sends to every sender, continuing past failures. The returned
// error joins each failed sender's error.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		err := s.Send(ctx, title, message)
		if err == nil {
			continue
		}
		n.logger.ErrorContext(ctx, "alert not delivered",
			slog.String("sender", s.Name()),
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Format renders an event as an alert title and body.
func Format(ev domain.Event) (title, message string) {
	var b strings.Builder
	switch ev.Kind {
	case domain.EventLiquidation:
		title = "Position liquidated"
		if r := ev.Record; r != nil {
			fmt.Fprintf(&b, "#%s %s %s %s\n", r.ID, r.Owner, r.Side, r.Instrument)
			fmt.Fprintf(&b, "size %s @ %dx, entry %s, exit %s\n", r.Size, r.Leverage, r.EntryPrice, r.ExitPrice)
			fmt.Fprintf(&b, "margin lost %s", r.Margin)
		}
	case domain.EventVenueFallback:
		title = "Venue fallback"
		if x := ev.Execution; x != nil {
			fmt.Fprintf(&b, "venue %s filled by simulation: %s", x.Venue, x.FallbackReason)
		}
		if p := ev.Position; p != nil {
			fmt.Fprintf(&b, "\nposition #%s %s %s", p.ID, p.Owner, p.Instrument)
		}
	case domain.EventPersistenceError:
		title = "Snapshot persistence failing"
		b.WriteString(ev.Message)
	case domain.EventFundingSettled:
		title = "Funding settled"
		if f := ev.Funding; f != nil {
			fmt.Fprintf(&b, "applied %d, skipped %d, pool delta %s", f.Applied, f.Skipped, f.PoolDelta)
		}
	case domain.EventPositionClosed:
		title = "Position closed"
		if r := ev.Record; r != nil {
			fmt.Fprintf(&b, "#%s %s %s %s (%s) net %s", r.ID, r.Owner, r.Side, r.Instrument, r.Reason, r.NetPnL)
		}
	default:
		title = strings.ReplaceAll(string(ev.Kind), "_", " ")
		b.WriteString(ev.Message)
	}
	if !ev.At.IsZero() {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(ev.At.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return title, b.String()
}
