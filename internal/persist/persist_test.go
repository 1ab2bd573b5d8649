package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/retry"
)

func testSnapshot(nextID domain.PositionID) domain.Snapshot {
	pos := domain.Position{
		ID:         1,
		Owner:      "alice",
		Instrument: "BTC",
		Side:       domain.SideLong,
		Size:       decimal.NewFromInt(1000),
		Margin:     decimal.NewFromInt(100),
		Leverage:   10,
		EntryPrice: decimal.NewFromInt(50000),
	}
	return domain.Snapshot{
		Positions: map[domain.PositionID]domain.Position{1: pos},
		Pool:      domain.LiquidityPool{Capital: decimal.NewFromInt(1_000_000), OpenInterest: pos.Size, TotalLongs: pos.Size},
		NextID:    nextID,
		SavedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		History: []domain.HistoryRecord{{
			Position: domain.Position{ID: 0, Owner: "bob", Instrument: "ETH"},
			Reason:   domain.CloseManual,
			NetPnL:   decimal.NewFromInt(-1),
		}},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "snapshot.json"))

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	want := testSnapshot(2)
	require.NoError(t, store.Save(context.Background(), want))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want.NextID, got.NextID)
	assert.True(t, want.SavedAt.Equal(got.SavedAt))
	require.Contains(t, got.Positions, domain.PositionID(1))
	assert.True(t, got.Positions[1].Size.Equal(decimal.NewFromInt(1000)))
	require.Len(t, got.History, 1)
	assert.Equal(t, "bob", got.History[0].Owner)

	require.NoError(t, store.Save(context.Background(), testSnapshot(7)))
	got, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.PositionID(7), got.NextID)
}

type flakyStore struct {
	mu       sync.Mutex
	failures int
	saved    []domain.Snapshot
}

func (s *flakyStore) Save(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *flakyStore) Load(context.Context) (domain.Snapshot, error) {
	return domain.Snapshot{}, domain.ErrNotFound
}

func (s *flakyStore) savedIDs() []domain.PositionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PositionID, len(s.saved))
	for i, snap := range s.saved {
		out[i] = snap.NextID
	}
	return out
}

func newTestWriter(store domain.SnapshotStore, attempts int) *Writer {
	return NewWriter(store, WriterConfig{
		MaxAttempts: attempts,
		Backoff:     retry.Backoff{Base: time.Millisecond, Max: time.Millisecond},
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWriterCoalescesPendingSnapshots(t *testing.T) {
	store := &flakyStore{}
	w := newTestWriter(store, 1)

	w.Submit(testSnapshot(1))
	w.Submit(testSnapshot(2))
	w.Submit(testSnapshot(3))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Saved() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []domain.PositionID{3}, store.savedIDs())
}

func TestWriterRetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{failures: 2}
	w := newTestWriter(store, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.Submit(testSnapshot(9))
	require.Eventually(t, func() bool { return w.Saved() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(0), w.Failed())
}

func TestWriterReportsExhaustedRetries(t *testing.T) {
	store := &flakyStore{failures: 10}
	w := newTestWriter(store, 2)

	var mu sync.Mutex
	var reported error
	w.OnFailure(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.Submit(testSnapshot(4))
	require.Eventually(t, func() bool { return w.Failed() == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "store unavailable")
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	store := &flakyStore{}
	w := newTestWriter(store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Submit(testSnapshot(5))
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
	assert.Equal(t, []domain.PositionID{5}, store.savedIDs())
}
