package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/steward/internal/crypto"
	"github.com/alanyoungcy/steward/internal/domain"
	"github.com/alanyoungcy/steward/internal/server/handler"
	"github.com/alanyoungcy/steward/internal/server/middleware"
	"github.com/alanyoungcy/steward/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, API key authentication is disabled

	// RequireSignatures makes callers prove their address with a signed
	// request. When false the X-Steward-Address header is trusted.
	RequireSignatures bool
	SignatureMaxSkew  time.Duration
	// Replay remembers accepted signed requests so each is served once.
	// nil disables the check.
	Replay domain.ReplayGuard

	RateLimit  int
	RateWindow time.Duration

	// EnableFaucet exposes POST /api/ledger/mint on the local ledger.
	EnableFaucet bool
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Conditions *handler.ConditionHandler
	Engine     *handler.EngineHandler
	Ledger     *handler.LedgerHandler
	Events     *handler.EventHandler
}

// Server is the HTTP + WebSocket API in front of the condition engine.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
// limiter may be nil, which disables rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/engine", handlers.Engine.Get)

	// Conditions.
	mux.HandleFunc("POST /api/conditions", handlers.Conditions.Create)
	mux.HandleFunc("GET /api/conditions/{id}", handlers.Conditions.Get)
	mux.HandleFunc("GET /api/conditions/{id}/status", handlers.Conditions.Status)
	mux.HandleFunc("GET /api/conditions/{id}/met", handlers.Conditions.Met)
	mux.HandleFunc("GET /api/conditions/{id}/approvals/{address}", handlers.Conditions.Approval)
	mux.HandleFunc("POST /api/conditions/{id}/execute", handlers.Conditions.Execute)
	mux.HandleFunc("POST /api/conditions/{id}/cancel", handlers.Conditions.Cancel)
	mux.HandleFunc("POST /api/conditions/{id}/expire", handlers.Conditions.Expire)
	mux.HandleFunc("POST /api/conditions/{id}/reclaim", handlers.Conditions.Reclaim)
	mux.HandleFunc("POST /api/conditions/{id}/approve", handlers.Conditions.Approve)
	mux.HandleFunc("GET /api/accounts/{address}/conditions", handlers.Conditions.ByAccount)

	// Owner controls.
	mux.HandleFunc("POST /api/admin/pause", handlers.Engine.Pause)
	mux.HandleFunc("POST /api/admin/unpause", handlers.Engine.Unpause)
	mux.HandleFunc("POST /api/admin/owner", handlers.Engine.TransferOwnership)

	// Ledger.
	if handlers.Ledger != nil {
		mux.HandleFunc("GET /api/ledger/{token}/{account}", handlers.Ledger.Balance)
		mux.HandleFunc("POST /api/ledger/approve", handlers.Ledger.Approve)
		if cfg.EnableFaucet {
			mux.HandleFunc("POST /api/ledger/mint", handlers.Ledger.Mint)
		}
	}

	// History.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	mux.HandleFunc("GET /api/audit", handlers.Events.ListAudit)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var verifier *crypto.Verifier
	if cfg.RequireSignatures {
		verifier = crypto.NewVerifier(cfg.SignatureMaxSkew)
	}

	// Outermost last.
	var h http.Handler = mux
	h = middleware.CallerAuth(verifier, cfg.Replay)(h)
	h = middleware.APIKey(cfg.APIKey, "/api/health")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler: h,
		logger:  logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
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
