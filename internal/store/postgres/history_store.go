package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL. Unlike the
// bounded log kept with the snapshot, it retains every closed position.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a new HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Append archives a closed position. Appending the same position twice is a
// no-op, so replayed events do not duplicate rows.
func (s *HistoryStore) Append(ctx context.Context, rec domain.HistoryRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: marshal history %d: %w", rec.ID, err)
	}

	const query = `
		INSERT INTO positions_history (
			position_id, owner, instrument, side, venue, reason,
			net_pnl, opened_at, closed_at, record
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (position_id) DO NOTHING`

	_, err = s.pool.Exec(ctx, query,
		int64(rec.ID), rec.Owner, rec.Instrument, string(rec.Side), string(rec.Venue), string(rec.Reason),
		rec.NetPnL.String(), rec.OpenedAt, rec.ClosedAt, record,
	)
	if err != nil {
		return fmt.Errorf("postgres: append history %d: %w", rec.ID, err)
	}
	return nil
}

// List returns archived positions, newest first, with optional owner and
// close-time filters.
func (s *HistoryStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.HistoryRecord, error) {
	q := newListQuery(`SELECT record FROM positions_history`)
	q.filter(opts, "owner", "closed_at")
	q.page(opts, "closed_at DESC, id DESC")

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query history: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.HistoryRecord, error) {
		var rec domain.HistoryRecord
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return rec, err
		}
		return rec, json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: read history: %w", err)
	}
	return records, nil
}

// Compile-time interface check.
var _ domain.HistoryStore = (*HistoryStore)(nil)
