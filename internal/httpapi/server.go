// Package httpapi exposes internal/control.Contract over HTTP (spec
// §4.9/C9): the Control API surface (the one masctl talks to), wrapped
// in JSON request/response handlers plus a websocket stream for
// live status and alert pushes. Grounded on the teacher's internal/api.Server:
// a plain http.NewServeMux(), auth endpoint registered ahead of the JWT
// middleware, and the corsMiddleware(loggingMiddleware(authedHandler))
// layering kept verbatim.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawinfra/evoclaw/internal/control"
	"github.com/clawinfra/evoclaw/internal/metrics"
	"github.com/clawinfra/evoclaw/internal/security"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP front end for a Contract.
type Server struct {
	port       int
	contract   control.Contract
	metrics    *metrics.Metrics
	jwtSecret  []byte
	logger     *slog.Logger
	httpServer *http.Server
	stream     *streamHub
}

// NewServer builds a Server. m may be nil, which disables /metrics.
func NewServer(port int, c control.Contract, m *metrics.Metrics, logger *slog.Logger) *Server {
	jwtSecret := security.GetJWTSecret()
	if jwtSecret == nil {
		logger.Warn("EVOCLAW_JWT_SECRET not set — running in dev mode (unauthenticated control API access)")
	}
	return &Server{
		port:      port,
		contract:  c,
		metrics:   m,
		jwtSecret: jwtSecret,
		logger:    logger.With("component", "httpapi"),
		stream:    newStreamHub(logger),
	}
}

// AlertSink exposes the server's websocket fan-out as an alert.Sink, so
// the runtime assembler can hand it to the supervisor as the channel a
// connected operator console receives Dead/Critical events on.
func (s *Server) AlertSink() *streamHub { return s.stream }

// SetContract binds the Contract this server dispatches to. It exists
// because the assembler needs the server's AlertSink before the
// Contract it will eventually serve even exists (the alert sink feeds
// the supervisor, which the Contract wraps) — build the server with a
// nil contract, wire the sink, then call SetContract once the Contract
// is ready. Not safe to call after Start.
func (s *Server) SetContract(c control.Contract) { s.contract = c }

// Handler builds the full mux plus middleware stack, split out from
// Start so tests can drive it with httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("POST /control/auth/token", s.handleAuthToken)
	mux.HandleFunc("GET /control/stream", s.handleStream)

	mux.HandleFunc("POST /control/agents", s.handleRegister)
	mux.HandleFunc("GET /control/agents", s.handleList)
	mux.HandleFunc("GET /control/agents/{id}", s.handleGet)
	mux.HandleFunc("DELETE /control/agents/{id}", s.handleDeregister)
	mux.HandleFunc("POST /control/agents/{id}/start", s.handleStart)
	mux.HandleFunc("POST /control/agents/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /control/agents/{id}/restart", s.handleRestart)

	mux.HandleFunc("POST /control/messages", s.handleSend)

	mux.HandleFunc("GET /control/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /control/metrics-snapshot", s.handleMetricsSnapshot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	authedHandler := security.AuthMiddleware(s.jwtSecret)(security.EnforceRBAC(mux))
	return s.corsMiddleware(s.loggingMiddleware(authedHandler))
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived /control/stream connections
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("control API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.stream.closeAll()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleAuthToken mints a bearer token for a caller, mirroring the
// teacher's dev-mode token minting endpoint. In production this should
// sit behind a separate credential check; here it trusts the caller's
// claimed role, same as the teacher's own placeholder does.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Role    string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "agent_id and role required")
		return
	}
	validRole := false
	for _, rl := range security.ValidRoles {
		if rl == req.Role {
			validRole = true
			break
		}
	}
	if !validRole {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	secret := s.jwtSecret
	if secret == nil {
		secret = []byte("mas-dev-secret")
	}
	token, err := security.GenerateToken(req.AgentID, req.Role, secret, 24*time.Hour)
	if err != nil {
		s.logger.Error("failed to generate token", "error", err)
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": 86400,
		"token_type": "Bearer",
	})
}
