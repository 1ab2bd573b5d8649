// Package server exposes the position engine over HTTP and WebSocket.
package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/server/handler"
	"github.com/alanyoungcy/perpengine/internal/server/middleware"
	"github.com/alanyoungcy/perpengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

const shutdownGrace = 10 * time.Second

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Market    *handler.MarketHandler
	History   *handler.HistoryHandler
	Metrics   http.Handler
}

// Server serves the engine API until its context ends.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// NewServer registers every route and wraps them, outermost first, in CORS,
// request logging, rate limiting and API-key auth. limiter and wsHub may be
// nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := routes(handlers, wsHub)

	var h http.Handler = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(mux)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cmp.Or(cfg.RateWindow, time.Second), logger)(h)
	}
	h = middleware.CORS(cfg.CORSOrigins)(middleware.Logging(logger)(h))

	return &Server{
		http: &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger,
	}
}

func routes(h Handlers, hub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	mux.HandleFunc("POST /api/positions", h.Positions.OpenPosition)
	mux.HandleFunc("POST /api/positions/close", h.Positions.ClosePosition)
	mux.HandleFunc("GET /api/positions", h.Positions.ListPositions)
	mux.HandleFunc("GET /api/users/{owner}/positions", h.Positions.ListUserPositions)
	mux.HandleFunc("GET /api/users/{owner}/positions/{instrument}", h.Positions.GetPosition)

	mux.HandleFunc("GET /api/history", h.History.GetHistory)
	mux.HandleFunc("GET /api/archive", h.History.ListArchive)

	mux.HandleFunc("GET /api/pool", h.Market.GetPool)
	mux.HandleFunc("GET /api/stats", h.Market.GetStats)
	mux.HandleFunc("GET /api/prices", h.Market.ListPrices)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	return mux
}

// Handler is the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run listens until ctx ends, then drains in-flight requests for up to
// shutdownGrace.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}
	s.logger.InfoContext(ctx, "listening", slog.String("addr", ln.Addr().String()))

	served := make(chan error, 1)
	go func() { served <- s.http.Serve(ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	drain, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(drain); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
