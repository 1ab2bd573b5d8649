package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/feed"
)

// MarketService defines the engine summaries served by the market handler.
type MarketService interface {
	GetPoolStats(ctx context.Context) (domain.PoolStats, error)
	GetStats(ctx context.Context) (domain.StatsView, error)
}

// PriceTable is the live price book.
type PriceTable interface {
	Table() []feed.PriceRow
	LastUpdate() time.Time
}

// MarketHandler serves pool, stats and price endpoints.
type MarketHandler struct {
	engine MarketService
	prices PriceTable
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler. prices may be nil when the
// process does not hold a price book.
func NewMarketHandler(engine MarketService, prices PriceTable, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		engine: engine,
		prices: prices,
		logger: componentLogger(logger, "market"),
	}
}

// GetPool returns the liquidity pool summary.
// GET /api/pool
func (h *MarketHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetPoolStats(r.Context())
	if err != nil {
		writeEngineError(w, r, h.logger, "pool stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetStats returns the engine summary.
// GET /api/stats
func (h *MarketHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetStats(r.Context())
	if err != nil {
		writeEngineError(w, r, h.logger, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type pricesResponse struct {
	Prices    []feed.PriceRow `json:"prices"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// ListPrices returns the current price book.
// GET /api/prices
func (h *MarketHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusServiceUnavailable, "price book not available")
		return
	}
	resp := pricesResponse{Prices: h.prices.Table()}
	if at := h.prices.LastUpdate(); !at.IsZero() {
		resp.UpdatedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}
