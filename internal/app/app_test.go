package app

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpengine/internal/config"
	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/platform/relay"
	"github.com/alanyoungcy/perpengine/internal/venue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	snap  *domain.Snapshot
	err   error
	saves int
}

func (m *memStore) Save(_ context.Context, snap domain.Snapshot) error {
	m.saves++
	m.snap = &snap
	return nil
}

func (m *memStore) Load(context.Context) (domain.Snapshot, error) {
	if m.err != nil {
		return domain.Snapshot{}, m.err
	}
	if m.snap == nil {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return *m.snap, nil
}

func TestRecoveryStorePrefersPrimary(t *testing.T) {
	primary := &memStore{snap: &domain.Snapshot{NextID: 7}}
	archive := &memStore{snap: &domain.Snapshot{NextID: 3}}
	rs := recoveryStore{primary: primary, archive: archive, logger: testLogger()}

	snap, err := rs.Load(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, snap.NextID)
}

func TestRecoveryStoreFallsBackToArchive(t *testing.T) {
	primary := &memStore{}
	archive := &memStore{snap: &domain.Snapshot{NextID: 3}}
	rs := recoveryStore{primary: primary, archive: archive, logger: testLogger()}

	snap, err := rs.Load(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.NextID)

	require.NoError(t, rs.Save(context.Background(), snap))
	assert.Equal(t, 1, primary.saves)
	assert.Equal(t, 0, archive.saves)
}

func TestRecoveryStoreEmptyEverywhere(t *testing.T) {
	rs := recoveryStore{primary: &memStore{}, archive: &memStore{}, logger: testLogger()}
	_, err := rs.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rs = recoveryStore{primary: &memStore{}, logger: testLogger()}
	_, err = rs.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecoveryStoreArchiveFailureIsFatal(t *testing.T) {
	boom := errors.New("s3 down")
	rs := recoveryStore{primary: &memStore{}, archive: &memStore{err: boom}, logger: testLogger()}
	_, err := rs.Load(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrNotFound)

	primaryErr := errors.New("disk")
	rs = recoveryStore{primary: &memStore{err: primaryErr}, archive: &memStore{snap: &domain.Snapshot{}}, logger: testLogger()}
	_, err = rs.Load(context.Background())
	assert.ErrorIs(t, err, primaryErr)
}

func TestProfileFallsBackToEngineTerms(t *testing.T) {
	e := config.Defaults().Engine
	e.TradingFee = 0.001
	e.MaxLeverage = 20

	p := profileFor("GMX", config.VenueConfig{}, e)
	assert.Equal(t, domain.VenueName("GMX"), p.Name)
	assert.True(t, p.Fee.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, 20, p.MaxLeverage)

	p = profileFor("HYPERLIQUID", config.VenueConfig{Fee: 0.00025, MaxLeverage: 100}, e)
	assert.True(t, p.Fee.Equal(decimal.RequireFromString("0.00025")))
	assert.Equal(t, 20, p.MaxLeverage)

	p = profileFor("HYPERLIQUID", config.VenueConfig{MaxLeverage: 10}, e)
	assert.Equal(t, 10, p.MaxLeverage)
}

func TestBuildRouterRegistersVenues(t *testing.T) {
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Wallet.PrivateKey = hex.EncodeToString(ethcrypto.FromECDSA(pk))
	gmx := cfg.Venues[config.VenueGMX]
	gmx.BaseURL = "http://relay.invalid"
	cfg.Venues[config.VenueGMX] = gmx
	cfg.Venues["DYDX"] = config.VenueConfig{Enabled: false}

	router, err := buildRouter(&cfg, nil, testLogger())
	require.NoError(t, err)
	reg := router.Registry()

	_, exec, err := reg.Lookup(domain.VenueGMX)
	require.NoError(t, err)
	assert.IsType(t, &relay.Executor{}, exec)
	assert.True(t, exec.Available())

	_, exec, err = reg.Lookup(domain.VenueHyperliquid)
	require.NoError(t, err)
	assert.IsType(t, venue.Unavailable{}, exec)

	_, exec, err = reg.Lookup("DYDX")
	require.NoError(t, err)
	assert.False(t, exec.Available())

	_, _, err = reg.Lookup("BITMEX")
	assert.ErrorIs(t, err, domain.ErrUnknownVenue)

	profile, exec, err := reg.Lookup(domain.VenuePaper)
	require.NoError(t, err)
	assert.True(t, exec.Available())
	assert.True(t, profile.Fee.Equal(decimal.RequireFromString("0.0005")))
}

func TestBuildRouterRejectsBadWallet(t *testing.T) {
	cfg := config.Defaults()
	cfg.Wallet.PrivateKey = "not-hex"
	gmx := cfg.Venues[config.VenueGMX]
	gmx.BaseURL = "http://relay.invalid"
	cfg.Venues[config.VenueGMX] = gmx

	_, err := buildRouter(&cfg, nil, testLogger())
	assert.Error(t, err)
}

func TestEngineConversions(t *testing.T) {
	e := config.Defaults().Engine
	ec := engineConfig(e)
	assert.True(t, ec.TradingFee.Equal(decimal.RequireFromString("0.0005")))
	assert.Equal(t, 8*time.Hour, ec.FundingInterval)
	assert.Equal(t, len(config.DefaultInstruments), ec.InstrumentCount)

	lp := ledgerParams(e)
	assert.True(t, lp.LiquidationThreshold.Equal(decimal.RequireFromString("0.9")))
	assert.True(t, lp.InitialCapital.Equal(decimal.NewFromInt(100_000)))
	assert.Equal(t, domain.PoolSimulated, lp.PoolMode)
}

type fakeLocks struct {
	acquireErr error
	refreshErr atomic.Value
	refreshes  atomic.Int32
	released   atomic.Bool
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return func() { f.released.Store(true) }, nil
}

func (f *fakeLocks) Refresh(context.Context, string, time.Duration) error {
	f.refreshes.Add(1)
	if err, ok := f.refreshErr.Load().(error); ok {
		return err
	}
	return nil
}

func TestHoldLockRefreshesUntilLost(t *testing.T) {
	a := New(&config.Config{}, testLogger())
	locks := &fakeLocks{}

	g, ctx := errgroup.WithContext(context.Background())
	unlock, err := a.holdLock(ctx, g, locks, 30*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return locks.refreshes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	locks.refreshErr.Store(errors.New("token mismatch"))

	err = g.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine lock lost")

	unlock()
	assert.True(t, locks.released.Load())
}

func TestHoldLockHeldElsewhere(t *testing.T) {
	a := New(&config.Config{}, testLogger())
	g, ctx := errgroup.WithContext(context.Background())
	_, err := a.holdLock(ctx, g, &fakeLocks{acquireErr: domain.ErrLockHeld}, time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}
