// Package app assembles the engine process: it opens the configured
// backends, builds the venues and feed, and runs the components for the
// selected mode until the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perpengine/internal/config"
)

// App runs one process mode.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time

	release   func()
	closeOnce sync.Once
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		startedAt: time.Now().UTC(),
		release:   func() {},
	}
}

// Run blocks until ctx is cancelled or a component fails. Backends stay
// open until Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("feed", a.cfg.Feed.Source),
		slog.String("snapshot", a.cfg.Snapshot.Backend),
		slog.String("events", a.cfg.Events.Backend),
	)

	deps, release, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.release = release

	modes := map[string]func(context.Context, *Dependencies) error{
		"full":   a.FullMode,
		"engine": a.EngineMode,
		"feed":   a.FeedMode,
	}
	run, ok := modes[a.cfg.Mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	return run(ctx, deps)
}

// Close releases every backend Run opened. Only the first call has effect.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.logger.Info("releasing backends")
		a.release()
	})
}
