package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// multipartThreshold is the document size above which snapshots are
// uploaded through the multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// snapshotDocument is the archived form of a snapshot. History travels with
// the document because domain.Snapshot does not serialise it.
type snapshotDocument struct {
	Snapshot domain.Snapshot        `json:"snapshot"`
	History  []domain.HistoryRecord `json:"history"`
}

// Archiver uploads engine snapshots and closed-position history to object
// storage and recovers the most recent snapshot. It satisfies
// domain.SnapshotStore so it can seed an engine when the primary store is
// empty.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	hist   domain.HistoryStore
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver writing under prefix. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, prefix string, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		audit:  audit,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "snapshot_archiver")),
		now:    time.Now,
	}
}

// WithHistory makes Run also upload the previous calendar month of the
// closed-position archive once per month.
func (a *Archiver) WithHistory(store domain.HistoryStore) *Archiver {
	a.hist = store
	return a
}

// Save uploads snap as a new timestamped object under snapshots/.
func (a *Archiver) Save(ctx context.Context, snap domain.Snapshot) error {
	_, err := a.ArchiveSnapshot(ctx, snap)
	return err
}

// ArchiveSnapshot uploads snap and returns its object path. Keys sort
// lexically by upload time.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, snap domain.Snapshot) (string, error) {
	buf, err := json.Marshal(snapshotDocument{Snapshot: snap, History: snap.History})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot marshal: %w", err)
	}

	key := a.snapshotPath(a.now().UTC())
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot upload: %w", err)
	}

	a.logAudit(ctx, "archive.snapshot", map[string]any{
		"path":      key,
		"positions": len(snap.Positions),
		"history":   len(snap.History),
		"next_id":   uint64(snap.NextID),
	})
	return key, nil
}

// Load returns the most recent archived snapshot, or domain.ErrNotFound when
// the archive is empty.
func (a *Archiver) Load(ctx context.Context) (domain.Snapshot, error) {
	infos, err := a.reader.List(ctx, a.join("snapshots")+"/")
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	var keys []string
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			keys = append(keys, info.Path)
		}
	}
	if len(keys) == 0 {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	sort.Strings(keys)
	latest := keys[len(keys)-1]

	body, err := a.reader.Get(ctx, latest)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: load snapshot: %w", err)
	}
	defer body.Close()

	var doc snapshotDocument
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: decode snapshot %s: %w", latest, err)
	}
	snap := doc.Snapshot
	snap.History = doc.History
	a.logger.InfoContext(ctx, "loaded archived snapshot", slog.String("path", latest))
	return snap, nil
}

// ArchiveHistory uploads records as JSON lines to the month file for
// before and returns how many were written.
func (a *Archiver) ArchiveHistory(ctx context.Context, records []domain.HistoryRecord, before time.Time) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := encodeLines(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history marshal: %w", err)
	}

	key := a.join(historyPath(before))
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive history upload: %w", err)
	}

	count := int64(len(records))
	a.logAudit(ctx, "archive.history", map[string]any{
		"path":   key,
		"count":  count,
		"before": before.Format(time.RFC3339),
	})
	return count, nil
}

// ArchiveMonth uploads every record closed during the calendar month that
// contains month.
func (a *Archiver) ArchiveMonth(ctx context.Context, store domain.HistoryStore, month time.Time) (int64, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	records, err := store.List(ctx, domain.ListOpts{Since: &start, Until: &end})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history query: %w", err)
	}
	return a.ArchiveHistory(ctx, records, start)
}

// Run archives the snapshot returned by source every interval until ctx is
// cancelled. Upload failures are logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration, source domain.SnapshotStore) error {
	if interval <= 0 {
		return nil
	}
	a.logger.Info("snapshot archiver started", slog.Duration("interval", interval))
	defer a.logger.Info("snapshot archiver stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var archivedMonth time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, err := source.Load(ctx)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				a.logger.WarnContext(ctx, "snapshot source failed", slog.String("error", err.Error()))
				continue
			}
			key, err := a.ArchiveSnapshot(ctx, snap)
			if err != nil {
				a.logger.WarnContext(ctx, "snapshot archive failed", slog.String("error", err.Error()))
				continue
			}
			a.logger.DebugContext(ctx, "snapshot archived", slog.String("path", key))
			archivedMonth = a.maybeArchiveMonth(ctx, archivedMonth)
		}
	}
}

func (a *Archiver) maybeArchiveMonth(ctx context.Context, done time.Time) time.Time {
	if a.hist == nil {
		return done
	}
	now := a.now().UTC()
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	if done.Equal(prev) {
		return done
	}
	n, err := a.ArchiveMonth(ctx, a.hist, prev)
	if err != nil {
		a.logger.WarnContext(ctx, "history archive failed", slog.String("error", err.Error()))
		return done
	}
	a.logger.InfoContext(ctx, "history archived",
		slog.String("month", prev.Format("2006-01")),
		slog.Int64("records", n),
	)
	return prev
}

func (a *Archiver) logAudit(ctx context.Context, event domain.EventKind, detail map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "archive audit log failed",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Archiver) snapshotPath(at time.Time) string {
	return a.join("snapshots", at.Format("20060102T150405.000000000Z")+".json")
}

func (a *Archiver) join(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

// historyPath is archive/history/YYYY-MM.jsonl for the month of start.
func historyPath(start time.Time) string {
	return "archive/history/" + start.Format("2006-01") + ".jsonl"
}

// encodeLines writes one compact JSON document per line.
func encodeLines[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.SnapshotStore = (*Archiver)(nil)
