package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// auditOwner extracts the position owner from an event detail. Open and
// update events carry a position; close and liquidation events a record.
const auditOwner = `COALESCE(detail->'position'->>'owner', detail->'record'->>'owner')`

// AuditStore is the append-only audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log records one engine event with its detail as JSONB.
func (s *AuditStore) Log(ctx context.Context, event domain.EventKind, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: encode audit %s: %w", event, err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, string(event), raw,
	); err != nil {
		return fmt.Errorf("postgres: insert audit %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first. Owner matches the position owner
// inside the detail document.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	q := newListQuery(`SELECT id, event, detail, created_at FROM audit_log`)
	q.filter(opts, auditOwner, "created_at")
	q.page(opts, "created_at DESC, id DESC")

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: read audit: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		id      int64
		event   string
		raw     []byte
		created time.Time
	)
	if err := row.Scan(&id, &event, &raw, &created); err != nil {
		return domain.AuditEntry{}, err
	}
	entry := domain.AuditEntry{ID: id, Event: domain.EventKind(event), CreatedAt: created}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entry.Detail); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("audit %d detail: %w", id, err)
		}
	}
	return entry, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
