package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// HistoryService returns the bounded in-memory history.
type HistoryService interface {
	GetHistory(ctx context.Context, limit int) ([]domain.HistoryRecord, error)
}

// HistoryHandler serves closed-position history.
type HistoryHandler struct {
	engine  HistoryService
	archive domain.HistoryStore
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler. archive may be nil when no
// durable history store is configured.
func NewHistoryHandler(engine HistoryService, archive domain.HistoryStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		engine:  engine,
		archive: archive,
		logger:  componentLogger(logger, "history"),
	}
}

type historyResponse struct {
	History []domain.HistoryRecord `json:"history"`
}

// GetHistory returns the most recent closed positions, oldest first. A
// missing or invalid limit selects the engine default.
// GET /api/history?limit=
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.engine.GetHistory(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, h.logger, "history", err)
		return
	}
	writeHistory(w, records)
}

// ListArchive queries the durable history archive, newest first.
// GET /api/archive?owner=&since=&until=&limit=&offset=
func (h *HistoryHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "history archive not configured")
		return
	}

	opts, err := parseListOpts(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.archive.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archive failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}
	writeHistory(w, records)
}

func writeHistory(w http.ResponseWriter, records []domain.HistoryRecord) {
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{History: records})
}
