package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// recoveryStore loads from the primary snapshot store and falls back to the
// object storage archive when the primary has nothing saved. It is only used
// for the startup load; saves go through the persist writer.
type recoveryStore struct {
	primary domain.SnapshotStore
	archive domain.SnapshotStore
	logger  *slog.Logger
}

func (s recoveryStore) Save(ctx context.Context, snap domain.Snapshot) error {
	return s.primary.Save(ctx, snap)
}

func (s recoveryStore) Load(ctx context.Context) (domain.Snapshot, error) {
	snap, err := s.primary.Load(ctx)
	if !errors.Is(err, domain.ErrNotFound) || s.archive == nil {
		return snap, err
	}

	snap, err = s.archive.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Snapshot{}, err
	}
	if err != nil {
		// An unreachable archive must not be mistaken for an empty one.
		return domain.Snapshot{}, fmt.Errorf("archive: %w", err)
	}
	s.logger.InfoContext(ctx, "snapshot recovered from archive",
		slog.Int("positions", len(snap.Positions)),
		slog.Time("saved_at", snap.SavedAt),
	)
	return snap, nil
}
