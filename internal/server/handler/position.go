package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// sourceAPI tags positions opened over HTTP.
const sourceAPI = "api"

// PositionService defines the engine methods that the position handler
// requires.
type PositionService interface {
	Open(ctx context.Context, order domain.OpenOrder) (domain.OpenResult, error)
	Close(ctx context.Context, req domain.CloseRequest) (domain.CloseResult, error)
	GetPosition(ctx context.Context, owner, instrument string) (domain.PositionView, error)
	GetUserPositions(ctx context.Context, owner string) ([]domain.PositionView, error)
	GetAllPositions(ctx context.Context) ([]domain.PositionView, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    componentLogger(logger, "positions"),
	}
}

type openRequest struct {
	Owner         string           `json:"owner"`
	Instrument    string           `json:"instrument"`
	Side          string           `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	Leverage      int              `json:"leverage"`
	Venue         string           `json:"venue"`
	TakeProfit    *decimal.Decimal `json:"take_profit"`
	StopLoss      *decimal.Decimal `json:"stop_loss"`
	ClientOrderID string           `json:"client_order_id"`
}

type closeRequest struct {
	Owner      string            `json:"owner"`
	Instrument string            `json:"instrument"`
	PositionID domain.PositionID `json:"position_id"`
}

type listPositionsResponse struct {
	Positions []domain.PositionView `json:"positions"`
}

// OpenPosition opens a position at the current price.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Owner) == "" || strings.TrimSpace(req.Instrument) == "" {
		writeError(w, http.StatusBadRequest, "owner and instrument are required")
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.positions.Open(r.Context(), domain.OpenOrder{
		Owner:         req.Owner,
		Instrument:    req.Instrument,
		Side:          side,
		Size:          req.Size,
		Leverage:      req.Leverage,
		Venue:         domain.VenueName(req.Venue),
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
		ClientOrderID: req.ClientOrderID,
		Source:        sourceAPI,
	})
	if err != nil {
		writeEngineError(w, r, h.logger, "open position", err)
		return
	}

	if res.Execution.SimulatedFallback {
		h.logger.WarnContext(r.Context(), "open filled by fallback",
			slog.String("position_id", res.Position.ID.String()),
			slog.String("venue", string(res.Execution.Venue)),
			slog.String("reason", res.Execution.FallbackReason),
		)
	}
	writeJSON(w, http.StatusCreated, res)
}

// ClosePosition closes one of the owner's positions at the current price.
// POST /api/positions/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Owner) == "" || strings.TrimSpace(req.Instrument) == "" {
		writeError(w, http.StatusBadRequest, "owner and instrument are required")
		return
	}

	res, err := h.positions.Close(r.Context(), domain.CloseRequest{
		Owner:      req.Owner,
		Instrument: req.Instrument,
		PositionID: req.PositionID,
		Reason:     domain.CloseManual,
	})
	if err != nil {
		writeEngineError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPositions returns every open position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.GetAllPositions(r.Context())
	if err != nil {
		writeEngineError(w, r, h.logger, "list positions", err)
		return
	}
	writePositions(w, positions)
}

// ListUserPositions returns the open positions of one owner.
// GET /api/users/{owner}/positions
func (h *PositionHandler) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.GetUserPositions(r.Context(), r.PathValue("owner"))
	if err != nil {
		writeEngineError(w, r, h.logger, "list user positions", err)
		return
	}
	writePositions(w, positions)
}

// GetPosition returns the owner's oldest open position on an instrument.
// GET /api/users/{owner}/positions/{instrument}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	view, err := h.positions.GetPosition(r.Context(), r.PathValue("owner"), r.PathValue("instrument"))
	if err != nil {
		writeEngineError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writePositions(w http.ResponseWriter, positions []domain.PositionView) {
	if positions == nil {
		positions = []domain.PositionView{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
