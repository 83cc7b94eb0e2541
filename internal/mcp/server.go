// Package mcp exposes the session lifecycle over HTTP: a REST and
// server-sent-events surface for clients and an MCP endpoint for agents.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dizzyvn/kumiai/internal/agent"
	"github.com/dizzyvn/kumiai/internal/executor"
	"github.com/dizzyvn/kumiai/internal/logger"
	"github.com/dizzyvn/kumiai/internal/metrics"
	"github.com/dizzyvn/kumiai/internal/ratelimit"
)

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wraps the executor with the HTTP and MCP surfaces
type Server struct {
	exec      *executor.Executor
	runtime   agent.Runtime
	limiter   *ratelimit.Limiter
	registry  *Registry
	mcpServer *mcp.Server
	logger    *slog.Logger
}

// ServerConfig holds the server's collaborators
type ServerConfig struct {
	Executor *executor.Executor
	Runtime  agent.Runtime
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger
	Version  string
}

// NewServer creates a new server instance
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		exec:     cfg.Executor,
		runtime:  cfg.Runtime,
		limiter:  cfg.Limiter,
		registry: NewRegistry(),
		logger:   log.With("component", "server"),
	}
	s.registerAllTools(s.registry)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "kumiai",
		Version: version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer, s.logger)

	return s
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Handler builds the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	// EventStore enables SSE stream resumption for MCP clients
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("GET /health", s.handleHealthCheck)
	mux.HandleFunc("GET /ready", s.handleReadinessCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	// Sessions
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.Handle("POST /sessions/{id}/messages", s.rateLimited(http.HandlerFunc(s.handlePostMessage)))
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleHistory)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /sessions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /sessions/{id}/complete", s.handleComplete)
	mux.HandleFunc("DELETE /sessions/{id}/queue", s.handleClearQueue)

	// MCP
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)

	return s.withRequestContext(metrics.Middleware(mux))
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return ratelimit.Middleware(s.limiter)(next)
}

// withRequestContext assigns a request id and records the caller identity
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		caller := CallerFromRequest(r)
		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		ctx = WithRemoteAddr(ctx, r.RemoteAddr)
		ctx = WithCaller(ctx, caller)
		if caller.SessionID != "" {
			ctx = logger.WithSender(ctx, caller.SessionID)
		}
		r = r.WithContext(ctx)

		logger.FromContext(ctx, s.logger).Debug("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadinessCheck verifies the engine can serve executions
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if s.runtime != nil {
		if err := s.runtime.Ping(r.Context()); err != nil {
			s.logger.Warn("engine not ready", "engine", s.runtime.Name(), "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "engine unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"running": len(s.exec.Running()),
	})
}
