// Package persist writes engine snapshots off the engine goroutine.
package persist

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/metrics"
	"github.com/alanyoungcy/perpengine/internal/retry"
)

// WriterConfig bounds how hard a snapshot write is retried.
type WriterConfig struct {
	MaxAttempts  int
	Backoff      retry.Backoff
	FlushTimeout time.Duration
}

// Writer saves snapshots through a single pending slot. A newer snapshot
// replaces one that has not been written yet, so a slow store never blocks
// the engine and only the latest state is persisted.
type Writer struct {
	store     domain.SnapshotStore
	cfg       WriterConfig
	slot      chan domain.Snapshot
	saved     atomic.Int64
	failed    atomic.Int64
	onFailure func(error)
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewWriter creates a Writer over store.
func NewWriter(store domain.SnapshotStore, cfg WriterConfig, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = retry.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second}
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	return &Writer{
		store:   store,
		cfg:     cfg,
		slot:    make(chan domain.Snapshot, 1),
		metrics: m,
		logger:  logger.With(slog.String("component", "snapshot_writer")),
	}
}

// OnFailure registers a callback invoked after a snapshot is given up on.
func (w *Writer) OnFailure(fn func(error)) { w.onFailure = fn }

// Submit queues snap, replacing any snapshot still waiting. It never blocks.
func (w *Writer) Submit(snap domain.Snapshot) {
	for {
		select {
		case w.slot <- snap:
			return
		default:
		}
		select {
		case <-w.slot:
		default:
		}
	}
}

// Saved returns how many snapshots were written.
func (w *Writer) Saved() int64 { return w.saved.Load() }

// Failed returns how many snapshots were given up on.
func (w *Writer) Failed() int64 { return w.failed.Load() }

// Run writes queued snapshots until ctx is cancelled, then flushes the
// pending one with a fresh deadline.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return ctx.Err()
		case snap := <-w.slot:
			w.write(ctx, snap)
		}
	}
}

func (w *Writer) flush() {
	select {
	case snap := <-w.slot:
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
		defer cancel()
		w.write(ctx, snap)
	default:
	}
}

func (w *Writer) write(ctx context.Context, snap domain.Snapshot) {
	err := retry.Do(ctx, w.cfg.MaxAttempts, w.cfg.Backoff, func(ctx context.Context, attempt int) error {
		err := w.store.Save(ctx, snap)
		if err != nil {
			w.logger.WarnContext(ctx, "snapshot save failed",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err == nil {
		w.saved.Add(1)
		return
	}

	w.failed.Add(1)
	w.metrics.RecordPersistFailure("snapshot")
	w.logger.ErrorContext(ctx, "snapshot dropped after retries",
		slog.Int("positions", len(snap.Positions)),
		slog.String("error", err.Error()),
	)
	if w.onFailure != nil {
		w.onFailure(err)
	}
}
