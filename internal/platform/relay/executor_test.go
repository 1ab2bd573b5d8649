package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpengine/internal/crypto"
	"github.com/alanyoungcy/perpengine/internal/domain"
)

func newTestSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(pk)), crypto.Domain{
		Name:              "PerpsRelay",
		ChainID:           42161,
		VerifyingContract: "0x000000000000000000000000000000000000dEaD",
	})
	require.NoError(t, err)
	return s
}

func bigFrom(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, s)
	return n
}

func TestOpenSignsAndAuthenticates(t *testing.T) {
	signer := newTestSigner(t)
	auth := &crypto.HMACAuth{Key: "k", Secret: "s3cr3t"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, openPath, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.True(t, auth.Verify(r.Header.Get(crypto.HeaderTimestamp), r.Method, r.URL.Path, string(body),
			r.Header.Get(crypto.HeaderSignature)))

		var req openRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "alice", req.Owner)
		assert.True(t, req.IsLong)
		assert.Equal(t, 10, req.Leverage)

		digest := signer.OrderDigest(crypto.PerpOrder{
			Account:         common.HexToAddress(req.Account),
			Instrument:      req.Instrument,
			IsLong:          req.IsLong,
			SizeUSD:         bigFrom(t, req.SizeUSD),
			Leverage:        int64(req.Leverage),
			AcceptablePrice: bigFrom(t, req.AcceptablePrice),
			Nonce:           bigFrom(t, req.Nonce),
			Deadline:        req.Deadline,
		})
		addr, err := crypto.RecoverAddress(digest, req.Signature)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), addr)

		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "id": "gmx-42"})
	}))
	defer srv.Close()

	exec := NewExecutor(Config{Venue: domain.VenueGMX, BaseURL: srv.URL + "/"}, signer, auth)
	require.True(t, exec.Available())

	fill, err := exec.Open(context.Background(), domain.VenueOrder{
		Owner: "alice", Instrument: "BTC", Side: domain.SideLong,
		Size: decimal.NewFromInt(1000), Leverage: 10, Price: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.True(t, fill.Success)
	assert.Equal(t, "gmx-42", fill.Reference)
}

func TestCloseRejectedAndFailures(t *testing.T) {
	signer := newTestSigner(t)
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, closePath, r.URL.Path)
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"success":false,"reason":"position not found"}`))
	}))
	defer srv.Close()

	exec := NewExecutor(Config{Venue: domain.VenueHyperliquid, BaseURL: srv.URL}, signer, nil)
	req := domain.VenueClose{Owner: "bob", Instrument: "ETH", Side: domain.SideShort, Size: decimal.NewFromInt(500), Reference: "hl-1"}

	fill, err := exec.Close(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, fill.Success)
	assert.Equal(t, "position not found", fill.Reason)

	status.Store(http.StatusTooManyRequests)
	_, err = exec.Close(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	status.Store(http.StatusForbidden)
	_, err = exec.Close(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	status.Store(http.StatusBadGateway)
	_, err = exec.Close(context.Background(), req)
	assert.Error(t, err)
}

func TestUnconfiguredExecutorIsUnavailable(t *testing.T) {
	exec := NewExecutor(Config{Venue: domain.VenueGMX}, nil, nil)
	assert.False(t, exec.Available())
	_, err := exec.Open(context.Background(), domain.VenueOrder{})
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

func TestAcceptablePrice(t *testing.T) {
	mark := decimal.NewFromInt(50000)
	assert.True(t, acceptablePrice(mark, true).Equal(decimal.NewFromInt(50250)))
	assert.True(t, acceptablePrice(mark, false).Equal(decimal.NewFromInt(49750)))
}
