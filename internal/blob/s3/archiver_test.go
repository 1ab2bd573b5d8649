package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type memHistory struct{ records []domain.HistoryRecord }

func (h *memHistory) Append(_ context.Context, rec domain.HistoryRecord) error {
	h.records = append(h.records, rec)
	return nil
}

func (h *memHistory) List(_ context.Context, opts domain.ListOpts) ([]domain.HistoryRecord, error) {
	var out []domain.HistoryRecord
	for _, r := range h.records {
		if opts.Since != nil && r.ClosedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.ClosedAt.After(*opts.Until) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func testArchiver(blobs *memBlobs, clock *time.Time) *Archiver {
	a := NewArchiver(blobs, blobs, nil, "/perps/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return *clock }
	return a
}

func TestArchiverLoadsLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := testArchiver(blobs, &clock)

	_, err := a.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	first := domain.Snapshot{NextID: 2, Pool: domain.LiquidityPool{Capital: decimal.NewFromInt(100000)}}
	key, err := a.ArchiveSnapshot(ctx, first)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "perps/snapshots/20260301T120000"), key)

	clock = clock.Add(time.Second)
	second := domain.Snapshot{
		NextID:  5,
		Pool:    domain.LiquidityPool{Capital: decimal.RequireFromString("100001.5")},
		History: []domain.HistoryRecord{{Position: domain.Position{ID: 4}, Reason: domain.CloseStopLoss}},
	}
	require.NoError(t, a.Save(ctx, second))

	got, err := a.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionID(5), got.NextID)
	assert.True(t, got.Pool.Capital.Equal(decimal.RequireFromString("100001.5")))
	require.Len(t, got.History, 1)
	assert.Equal(t, domain.CloseStopLoss, got.History[0].Reason)
}

func TestArchiveMonthWritesJSONL(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	clock := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	a := testArchiver(blobs, &clock)

	hist := &memHistory{}
	for i, at := range []time.Time{
		time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	} {
		require.NoError(t, hist.Append(ctx, domain.HistoryRecord{
			Position: domain.Position{ID: domain.PositionID(i + 1)},
			ClosedAt: at,
		}))
	}

	assert.True(t, a.maybeArchiveMonth(ctx, time.Time{}).IsZero())
	a.WithHistory(hist)
	month := a.maybeArchiveMonth(ctx, time.Time{})
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), month)

	body, err := blobs.Get(ctx, "perps/archive/history/2026-02.jsonl")
	require.NoError(t, err)
	raw, _ := io.ReadAll(body)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 2)

	// Already archived for this month.
	before := len(blobs.keys())
	assert.Equal(t, month, a.maybeArchiveMonth(ctx, month))
	assert.Len(t, blobs.keys(), before)
}

func TestArchiverRunUploadsFromSource(t *testing.T) {
	blobs := newMemBlobs()
	clock := time.Now().UTC()
	a := testArchiver(blobs, &clock)
	a.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := sourceFunc(func(context.Context) (domain.Snapshot, error) {
		return domain.Snapshot{NextID: 9}, nil
	})
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, 10*time.Millisecond, src) }()

	require.Eventually(t, func() bool { return len(blobs.keys()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type sourceFunc func(context.Context) (domain.Snapshot, error)

func (f sourceFunc) Save(context.Context, domain.Snapshot) error        { return nil }
func (f sourceFunc) Load(ctx context.Context) (domain.Snapshot, error) { return f(ctx) }

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.False(t, isNotFound(io.EOF))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://10.0.0.5:9000", normaliseEndpoint("10.0.0.5:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
