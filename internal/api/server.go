// Package api serves the administrative REST surface: registry
// snapshots, plan lifecycle, session issue and revocation, audit
// queries, shutdown, health, and the Prometheus metrics endpoint. The
// agent attach endpoint is mounted here too, so one listener carries
// both planes.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/runtime"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Config wires the server to the core.
type Config struct {
	Core *runtime.Core

	// Attach handles agent websocket upgrades; nil leaves the attach
	// route unmounted.
	Attach http.HandlerFunc

	// AdminToken guards the admin routes. Empty disables them; health,
	// metrics, and attach stay up.
	AdminToken string

	// OnShutdown is invoked by the shutdown endpoint after the response
	// is written. The serve loop supplies it; nil means the endpoint
	// only reports acceptance.
	OnShutdown func(drain bool)

	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	core       *runtime.Core
	logger     *slog.Logger
	adminToken string
	onShutdown func(drain bool)

	httpServer *http.Server
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		core:       cfg.Core,
		logger:     logger.With("component", "api"),
		adminToken: cfg.AdminToken,
		onShutdown: cfg.OnShutdown,
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/v1/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Core.PromRegistry(), promhttp.HandlerOpts{})).Methods("GET")
	if cfg.Attach != nil {
		r.HandleFunc("/v1/attach", cfg.Attach)
	}

	admin := r.PathPrefix("/v1").Subrouter()
	admin.Use(s.requireAdmin)

	admin.HandleFunc("/agents", s.handleAgentList).Methods("GET")
	admin.HandleFunc("/agents/{name}", s.handleAgentGet).Methods("GET")
	admin.HandleFunc("/agents/{name}", s.handleAgentDeregister).Methods("DELETE")

	admin.HandleFunc("/plans", s.handlePlanList).Methods("GET")
	admin.HandleFunc("/plans", s.handlePlanSubmit).Methods("POST")
	admin.HandleFunc("/plans/{id}", s.handlePlanStatus).Methods("GET")
	admin.HandleFunc("/plans/{id}/cancel", s.handlePlanCancel).Methods("POST")

	admin.HandleFunc("/sessions", s.handleSessionIssue).Methods("POST")
	admin.HandleFunc("/sessions/{token_id}", s.handleSessionRevoke).Methods("DELETE")

	admin.HandleFunc("/events", s.handleEventList).Methods("GET")
	admin.HandleFunc("/shutdown", s.handleShutdown).Methods("POST")

	s.httpServer = &http.Server{
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve runs the server on ln until Shutdown or a listener error.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Admin API listening", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func corsMiddleware(next http.Handler) http.Handler {
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

// requireAdmin gates the admin routes behind the configured bearer token.
// The attach and health routes are registered outside this subrouter.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, fault.New(fault.CodeUnauthorized, "admin surface disabled: no admin token configured"))
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, fault.New(fault.CodeInvalidToken, "missing or invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// JSON ENVELOPES
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a fault code to an HTTP status and renders the error
// envelope. Retryable faults carry a Retry-After header.
func writeError(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	if code == "" {
		code = fault.CodeTransportFailed
	}

	var fe *fault.Error
	if errors.As(err, &fe) && fe.Retryable && fe.RetryAfter > 0 {
		secs := int(fe.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, statusOf(code), runtime.ErrorEnvelope{Error: runtime.ErrorBody{
		Code:    string(code),
		Message: err.Error(),
	}})
}

func statusOf(code fault.Code) int {
	switch code {
	case fault.CodeInvalidToken:
		return http.StatusUnauthorized
	case fault.CodeUnauthorized:
		return http.StatusForbidden
	case fault.CodeRateLimited, fault.CodeQueueFull, fault.CodeRegistryFull:
		return http.StatusTooManyRequests
	case fault.CodeNotFound, fault.CodeNoTarget:
		return http.StatusNotFound
	case fault.CodeConflict:
		return http.StatusConflict
	case fault.CodeInvalidMessage, fault.CodePlanInvalid, fault.CodeDeadlineExceeded:
		return http.StatusBadRequest
	case fault.CodeStoreUnavailable, fault.CodeTransportFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
