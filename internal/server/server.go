// Package server exposes the lending API over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lendvault/lendvault/internal/domain"
	"github.com/lendvault/lendvault/internal/server/handler"
	"github.com/lendvault/lendvault/internal/server/middleware"
	"github.com/lendvault/lendvault/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per minute per client, 0 disables
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health       *handler.HealthHandler
	Positions    *handler.PositionHandler
	Policies     *handler.PolicyHandler
	Prices       *handler.PriceHandler
	Liquidations *handler.LiquidationHandler
	Audit        *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket API server for the lending service.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, logging, CORS, auth) and attaches
// the WebSocket hub. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position lifecycle.
	mux.HandleFunc("POST /api/positions", handlers.Positions.OpenPosition)
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("POST /api/positions/{id}/confirm", handlers.Positions.ConfirmPosition)
	mux.HandleFunc("POST /api/positions/{id}/draw", handlers.Positions.DrawPosition)
	mux.HandleFunc("POST /api/positions/{id}/repay", handlers.Positions.RepayPosition)

	// Lending policies.
	mux.HandleFunc("GET /api/policies", handlers.Policies.ListPolicies)
	mux.HandleFunc("GET /api/policies/{asset}", handlers.Policies.GetPolicy)
	mux.HandleFunc("PUT /api/policies/{asset}", handlers.Policies.UpsertPolicy)

	// Oracle prices.
	mux.HandleFunc("POST /api/prices", handlers.Prices.SubmitQuote)
	mux.HandleFunc("GET /api/prices", handlers.Prices.ListPrices)
	mux.HandleFunc("GET /api/prices/{asset}", handlers.Prices.GetPrice)
	mux.HandleFunc("GET /api/prices/{asset}/history", handlers.Prices.GetPriceHistory)

	// Liquidations.
	mux.HandleFunc("POST /api/liquidations/evaluate", handlers.Liquidations.Evaluate)
	mux.HandleFunc("GET /api/liquidations/intents", handlers.Liquidations.ListIntents)
	mux.HandleFunc("GET /api/liquidations/events", handlers.Liquidations.ReplayEvents)
	mux.HandleFunc("POST /api/liquidations/intents/{id}/execute", handlers.Liquidations.ExecuteIntent)

	// Audit trail.
	mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	mux.HandleFunc("GET /api/audit/{entityType}/{entityID}", handlers.Audit.ListEntityAudit)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
