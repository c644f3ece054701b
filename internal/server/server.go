package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dida1024/infoSentry/internal/ratelimit"
)

// Server is the infoSentry HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Flags, Window, Limiter, MCPServer, OpenAPISpec, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Runs     RunStore
	Pool     Submitter
	Replayer Replayer
	Budget   BudgetAdmin
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Flags     FlagAdmin
	Window    OpenEntries
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Middlewares wrap the whole handler, outside the built-in chain. The
	// first entry is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	h := NewHandlers(HandlersDeps{
		Runs:                cfg.Runs,
		Pool:                cfg.Pool,
		Replayer:            cfg.Replayer,
		Budget:              cfg.Budget,
		Flags:               cfg.Flags,
		Window:              cfg.Window,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Candidate submission is the only endpoint an upstream can flood.
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, RequestIDFromContext)

	mux := http.NewServeMux()

	mux.Handle("POST /agent/candidates", submitRL(http.HandlerFunc(h.HandleSubmitCandidate)))
	mux.HandleFunc("GET /agent/runs", h.HandleListRuns)
	mux.HandleFunc("GET /agent/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /agent/runs/{run_id}/replay", h.HandleReplayRun)
	mux.HandleFunc("GET /agent/budget", h.HandleGetBudget)
	mux.HandleFunc("POST /agent/budget/{class}/disable", h.HandleDisableBudget)
	mux.HandleFunc("POST /agent/budget/{class}/enable", h.HandleEnableBudget)
	if cfg.Flags != nil {
		mux.HandleFunc("GET /agent/flags", h.HandleGetFlags)
		mux.HandleFunc("POST /agent/flags/{flag}/enable", h.HandleEnableFlag)
		mux.HandleFunc("POST /agent/flags/{flag}/disable", h.HandleDisableFlag)
		mux.HandleFunc("DELETE /agent/flags/{flag}", h.HandleClearFlag)
	}

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
