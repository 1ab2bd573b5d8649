package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/metrics"
	"github.com/alanyoungcy/perpengine/internal/retry"
)

// RouterConfig bounds external venue calls.
type RouterConfig struct {
	Default    domain.VenueName
	Timeout    time.Duration
	MaxRetries int
	Backoff    retry.Backoff
}

// Router executes opens and closes on the requested venue.
type Router struct {
	reg     *Registry
	cfg     RouterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a Router over reg.
func NewRouter(reg *Registry, cfg RouterConfig, m *metrics.Metrics, logger *slog.Logger) *Router {
	if cfg.Default == "" {
		cfg.Default = reg.Internal()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Router{
		reg:     reg,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "venue_router")),
		metrics: m,
	}
}

// Registry returns the venue registry.
func (r *Router) Registry() *Registry { return r.reg }

// Resolve maps a requested venue tag to its profile. An empty tag selects the
// default venue.
func (r *Router) Resolve(requested domain.VenueName) (Profile, error) {
	if requested == "" {
		requested = r.cfg.Default
	}
	p, _, err := r.reg.Lookup(requested)
	return p, err
}

// Open executes an open on venue. It never fails: when the venue cannot fill,
// the report carries SimulatedFallback and the reason.
func (r *Router) Open(ctx context.Context, venue domain.VenueName, order domain.VenueOrder) domain.ExecutionReport {
	return r.execute(ctx, venue, "open", func(ctx context.Context, exec domain.VenueExecutor) (domain.Fill, error) {
		return exec.Open(ctx, order)
	})
}

// Close executes a close for pos. Positions that were filled internally are
// closed internally.
func (r *Router) Close(ctx context.Context, pos domain.Position, req domain.VenueClose) domain.ExecutionReport {
	if r.ClosesInternally(pos) {
		return r.paperFill(ctx, pos.Venue)
	}
	return r.execute(ctx, pos.Venue, "close", func(ctx context.Context, exec domain.VenueExecutor) (domain.Fill, error) {
		return exec.Close(ctx, req)
	})
}

// ClosesInternally reports whether closing pos needs no external venue call.
func (r *Router) ClosesInternally(pos domain.Position) bool {
	return pos.Simulated || pos.Venue == r.reg.Internal()
}

func (r *Router) execute(
	ctx context.Context,
	venue domain.VenueName,
	op string,
	call func(context.Context, domain.VenueExecutor) (domain.Fill, error),
) domain.ExecutionReport {
	if venue == r.reg.Internal() {
		return r.paperFill(ctx, venue)
	}

	_, exec, err := r.reg.Lookup(venue)
	if err != nil {
		return r.fallback(ctx, venue, op, err.Error())
	}
	if !exec.Available() {
		return r.fallback(ctx, venue, op, domain.ErrVenueUnavailable.Error())
	}

	var fill domain.Fill
	start := time.Now()
	err = retry.Do(ctx, r.cfg.MaxRetries+1, r.cfg.Backoff, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		f, err := call(callCtx, exec)
		if err != nil {
			if errors.Is(err, domain.ErrVenueUnavailable) {
				return retry.Permanent(err)
			}
			r.logger.DebugContext(ctx, "venue call failed",
				slog.String("venue", string(venue)),
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return err
		}
		if !f.Success {
			return retry.Permanent(fmt.Errorf("rejected: %s", f.Reason))
		}
		fill = f
		return nil
	})
	r.metrics.ObserveVenueCall(string(venue), op, time.Since(start))

	if err != nil {
		return r.fallback(ctx, venue, op, err.Error())
	}
	return domain.ExecutionReport{Venue: venue, Reference: fill.Reference}
}

func (r *Router) paperFill(ctx context.Context, venue domain.VenueName) domain.ExecutionReport {
	_, exec, err := r.reg.Lookup(r.reg.Internal())
	ref := ""
	if err == nil {
		if f, ferr := exec.Open(ctx, domain.VenueOrder{}); ferr == nil {
			ref = f.Reference
		}
	}
	if venue == "" {
		venue = r.reg.Internal()
	}
	return domain.ExecutionReport{Venue: venue, Reference: ref, Simulated: true}
}

func (r *Router) fallback(ctx context.Context, venue domain.VenueName, op, reason string) domain.ExecutionReport {
	r.logger.WarnContext(ctx, "venue execution degraded to simulated fill",
		slog.String("venue", string(venue)),
		slog.String("op", op),
		slog.String("reason", reason),
	)
	r.metrics.RecordFallback(string(venue), op)

	rep := r.paperFill(ctx, venue)
	rep.SimulatedFallback = true
	rep.FallbackReason = reason
	return rep
}
