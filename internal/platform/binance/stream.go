package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/retry"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	markPricePath = "/ws/!markPrice@arr@1s"
)

// MarkPriceHandler receives each decoded batch of mark prices and funding
// rates.
type MarkPriceHandler func(prices []domain.Quote, funding []domain.FundingQuote)

// MarkPriceStream subscribes to the all-market mark price stream of the USDT
// perpetuals and reconnects with backoff on disconnect.
type MarkPriceStream struct {
	url     string
	wanted  map[string]string
	handler MarkPriceHandler
	backoff retry.Backoff
	logger  *slog.Logger
}

// NewMarkPriceStream creates a stream for the given instruments.
func NewMarkPriceStream(host string, symbols []string, handler MarkPriceHandler, logger *slog.Logger) *MarkPriceStream {
	if host == "" {
		host = DefaultStreamHost
	}
	return &MarkPriceStream{
		url:     strings.TrimRight(host, "/") + markPricePath,
		wanted:  pairIndex(symbols),
		handler: handler,
		backoff: retry.Backoff{Base: 2 * time.Second, Max: 60 * time.Second},
		logger:  logger.With(slog.String("component", "binance_mark_stream")),
	}
}

// Run streams until ctx is cancelled.
func (s *MarkPriceStream) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := s.backoff.Delay(attempt)
		attempt++
		s.logger.Warn("mark price stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *MarkPriceStream) runConnection(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("binance/ws: connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	s.logger.Info("mark price stream connected", slog.Int("instruments", len(s.wanted)))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("binance/ws: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		prices, funding, err := s.decode(msg)
		if err != nil {
			s.logger.Debug("skipping undecodable mark price frame", slog.String("error", err.Error()))
			continue
		}
		if len(prices) > 0 || len(funding) > 0 {
			s.handler(prices, funding)
		}
	}
}

type markPriceUpdate struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	FundingRate string `json:"r"`
}

func (s *MarkPriceStream) decode(msg []byte) ([]domain.Quote, []domain.FundingQuote, error) {
	var updates []markPriceUpdate
	if err := json.Unmarshal(msg, &updates); err != nil {
		return nil, nil, err
	}
	prices := make([]domain.Quote, 0, len(updates))
	funding := make([]domain.FundingQuote, 0, len(updates))
	for _, u := range updates {
		sym, ok := s.wanted[u.Symbol]
		if !ok {
			continue
		}
		at := time.UnixMilli(u.EventTime).UTC()
		if p, err := decimal.NewFromString(u.MarkPrice); err == nil && p.IsPositive() {
			prices = append(prices, domain.Quote{Symbol: sym, Price: p, At: at})
		}
		if r, err := decimal.NewFromString(u.FundingRate); err == nil {
			funding = append(funding, domain.FundingQuote{Symbol: sym, Rate: r, At: at})
		}
	}
	return prices, funding, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
