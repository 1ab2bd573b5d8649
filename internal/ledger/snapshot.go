package ledger

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// Snapshot captures the full ledger state. Pending reservations and closing
// marks are transient and not included.
func (l *Ledger) Snapshot(now time.Time) domain.Snapshot {
	positions := make(map[domain.PositionID]domain.Position, len(l.positions))
	for id, p := range l.positions {
		positions[id] = *p
	}
	return domain.Snapshot{
		Positions:     positions,
		Orders:        l.Orders(),
		Pool:          l.pool,
		Stats:         l.stats.Clone(),
		LastFundingAt: l.lastFundingAt,
		NextID:        l.nextID,
		SavedAt:       now,
		History:       l.History(0),
	}
}

// Restore replaces the ledger state with snap. The result must satisfy the
// ledger invariants or the ledger is left empty and an error is returned.
func (l *Ledger) Restore(snap domain.Snapshot) error {
	l.reset()

	for id, p := range snap.Positions {
		if p.ID != id {
			l.reset()
			return fmt.Errorf("ledger: restore: position key %d holds id %d", id, p.ID)
		}
		pos := p
		l.positions[id] = &pos
		if id >= l.nextID {
			l.nextID = id + 1
		}
	}
	for _, p := range l.AllPositions() {
		key := pairKey{p.Owner, p.Instrument}
		l.byPair[key] = append(l.byPair[key], p.ID)
	}
	for _, o := range snap.Orders {
		l.orders[o.Key] = o
	}

	l.pool = snap.Pool
	if l.pool.Mode == "" {
		l.pool.Mode = l.params.PoolMode
	}
	l.stats = snap.Stats.Clone()
	l.lastFundingAt = snap.LastFundingAt
	if snap.NextID > l.nextID {
		l.nextID = snap.NextID
	}
	for _, rec := range snap.History {
		l.appendHistory(rec)
	}

	if err := l.CheckInvariants(); err != nil {
		l.reset()
		return fmt.Errorf("ledger: restore: %w", err)
	}
	return nil
}
