// Package relay executes positions on external perpetual venues through a
// signed HTTP order relay. Each order is signed with EIP-712 by the wallet
// key and the request is authenticated with HMAC headers.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/crypto"
	"github.com/alanyoungcy/perpengine/internal/domain"
)

const (
	openPath  = "/v1/orders"
	closePath = "/v1/positions/close"

	// slippageBps bounds the acceptable fill price around the engine mark.
	slippageBps = 50
)

// Config describes one relay-backed venue.
type Config struct {
	Venue    domain.VenueName
	BaseURL  string
	Timeout  time.Duration
	Deadline time.Duration
}

// Executor implements domain.VenueExecutor against a signed order relay.
type Executor struct {
	venue      domain.VenueName
	baseURL    string
	deadline   time.Duration
	signer     *crypto.Signer
	auth       *crypto.HMACAuth
	httpClient *http.Client
	nonce      atomic.Int64
	now        func() time.Time
}

// NewExecutor creates an Executor. auth may be nil when the relay does not
// require API credentials.
func NewExecutor(cfg Config, signer *crypto.Signer, auth *crypto.HMACAuth) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = time.Minute
	}
	e := &Executor{
		venue:      cfg.Venue,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		deadline:   deadline,
		signer:     signer,
		auth:       auth,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	e.nonce.Store(time.Now().UnixNano())
	return e
}

func (e *Executor) Name() domain.VenueName { return e.venue }

// Available reports whether the executor has everything it needs to sign and
// send orders.
func (e *Executor) Available() bool {
	return e.baseURL != "" && e.signer != nil
}

type openRequest struct {
	Account         string `json:"account"`
	Owner           string `json:"owner"`
	Instrument      string `json:"instrument"`
	IsLong          bool   `json:"is_long"`
	SizeUSD         string `json:"size_usd"`
	Leverage        int    `json:"leverage"`
	AcceptablePrice string `json:"acceptable_price"`
	Nonce           string `json:"nonce"`
	Deadline        int64  `json:"deadline"`
	Signature       string `json:"signature"`
}

type closeRequest struct {
	Account    string `json:"account"`
	Owner      string `json:"owner"`
	Instrument string `json:"instrument"`
	IsLong     bool   `json:"is_long"`
	SizeUSD    string `json:"size_usd"`
	Reference  string `json:"reference"`
	Nonce      string `json:"nonce"`
	Deadline   int64  `json:"deadline"`
	Signature  string `json:"signature"`
}

type fillResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
}

// Open signs and submits an open order.
func (e *Executor) Open(ctx context.Context, order domain.VenueOrder) (domain.Fill, error) {
	if !e.Available() {
		return domain.Fill{Reason: "relay not configured"}, domain.ErrVenueUnavailable
	}
	isLong := order.Side == domain.SideLong
	msg := crypto.PerpOrder{
		Account:         e.signer.Address(),
		Instrument:      order.Instrument,
		IsLong:          isLong,
		SizeUSD:         crypto.ToUnits(order.Size),
		Leverage:        int64(order.Leverage),
		AcceptablePrice: crypto.ToUnits(acceptablePrice(order.Price, isLong)),
		Nonce:           big.NewInt(e.nonce.Add(1)),
		Deadline:        e.now().Add(e.deadline).Unix(),
	}
	sig, err := e.signer.SignOrder(msg)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("relay %s: %w: %v", e.venue, domain.ErrSigningFailed, err)
	}

	return e.submit(ctx, openPath, openRequest{
		Account:         msg.Account.Hex(),
		Owner:           order.Owner,
		Instrument:      msg.Instrument,
		IsLong:          isLong,
		SizeUSD:         msg.SizeUSD.String(),
		Leverage:        order.Leverage,
		AcceptablePrice: msg.AcceptablePrice.String(),
		Nonce:           msg.Nonce.String(),
		Deadline:        msg.Deadline,
		Signature:       sig,
	})
}

// Close signs and submits a close for a previously filled position.
func (e *Executor) Close(ctx context.Context, req domain.VenueClose) (domain.Fill, error) {
	if !e.Available() {
		return domain.Fill{Reason: "relay not configured"}, domain.ErrVenueUnavailable
	}
	msg := crypto.PerpClose{
		Account:    e.signer.Address(),
		Instrument: req.Instrument,
		IsLong:     req.Side == domain.SideLong,
		SizeUSD:    crypto.ToUnits(req.Size),
		Reference:  req.Reference,
		Nonce:      big.NewInt(e.nonce.Add(1)),
		Deadline:   e.now().Add(e.deadline).Unix(),
	}
	sig, err := e.signer.SignClose(msg)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("relay %s: %w: %v", e.venue, domain.ErrSigningFailed, err)
	}

	return e.submit(ctx, closePath, closeRequest{
		Account:    msg.Account.Hex(),
		Owner:      req.Owner,
		Instrument: msg.Instrument,
		IsLong:     msg.IsLong,
		SizeUSD:    msg.SizeUSD.String(),
		Reference:  req.Reference,
		Nonce:      msg.Nonce.String(),
		Deadline:   msg.Deadline,
		Signature:  sig,
	})
}

// submit posts body and maps the response to a Fill. A 4xx rejection other
// than auth or rate limiting is a failed fill, not an error, so the caller
// does not retry it.
func (e *Executor) submit(ctx context.Context, path string, body any) (domain.Fill, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("relay %s: marshal request: %w", e.venue, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return domain.Fill{}, fmt.Errorf("relay %s: create request: %w", e.venue, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.auth != nil {
		for k, v := range e.auth.Headers(http.MethodPost, path, string(payload)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("relay %s: http request: %w", e.venue, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("relay %s: read response: %w", e.venue, err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return domain.Fill{}, fmt.Errorf("relay %s: %w", e.venue, err)
	}

	var fr fillResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &fr); err != nil {
			if resp.StatusCode >= 300 {
				return domain.Fill{Reason: strings.TrimSpace(string(respBody))}, nil
			}
			return domain.Fill{}, fmt.Errorf("relay %s: decode response: %w", e.venue, err)
		}
	}
	if resp.StatusCode >= 300 || !fr.Success {
		reason := fr.Reason
		if reason == "" {
			reason = fr.Error
		}
		if reason == "" {
			reason = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return domain.Fill{Reason: reason}, nil
	}
	return domain.Fill{Success: true, Reference: fr.ID}, nil
}

// checkHTTPStatus maps status codes that warrant a retry or operator action
// to errors. Other 4xx responses are left to the caller as rejections.
func checkHTTPStatus(statusCode int, body []byte) error {
	bodyStr := strings.TrimSpace(string(body))
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	default:
		return nil
	}
}

// acceptablePrice widens the mark by slippageBps against the trader.
func acceptablePrice(mark decimal.Decimal, isLong bool) decimal.Decimal {
	adj := decimal.NewFromInt(slippageBps).Div(decimal.NewFromInt(10000))
	if isLong {
		return mark.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return mark.Mul(decimal.NewFromInt(1).Sub(adj))
}

var _ domain.VenueExecutor = (*Executor)(nil)
