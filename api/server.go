// Package api provides the HTTP read surface over the derived tables.
// Dashboards and analysis scripts consume aggregated rollups and run
// summaries here; the derivation itself runs through the CLI.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"experiment-outcomes/db/clickhouse"
	"experiment-outcomes/pkg/platform"
)

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	store      *clickhouse.Store
	config     *Config
	logger     *slog.Logger
}

// Config holds server configuration
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string

	// APIKey guards the /v1 routes when non-empty. Health endpoints are
	// always open.
	APIKey string
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		CORSOrigins:  []string{"*"},
	}
}

// NewServer creates a new API server
func NewServer(store *clickhouse.Store, config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		config: config,
		logger: logger,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	v1 := http.NewServeMux()
	v1.HandleFunc("/v1/aggregated", s.handleAggregated)
	v1.HandleFunc("/v1/runs/latest", s.handleLatestRun)
	v1.HandleFunc("/v1/runs/", s.handleRun)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/v1/", platform.APIKeyMiddleware(s.config.APIKey, v1))

	handler := s.corsMiddleware(s.loggingMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("api server starting", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// StartWithGracefulShutdown starts server with graceful shutdown handling
func (s *Server) StartWithGracefulShutdown() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		s.logger.Info("shutting down api server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// =============================================================================
// AGGREGATED ENDPOINT
// =============================================================================

// handleAggregated serves rollups for a run (latest when ?run is absent),
// optionally filtered by ?experiment.
func (s *Server) handleAggregated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	runID, err := s.resolveRunID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if runID == uuid.Nil {
		s.jsonError(w, http.StatusNotFound, "no derivation runs recorded")
		return
	}

	rows, err := s.store.QueryAggregates(r.Context(), runID, r.URL.Query().Get("experiment"))
	if err != nil {
		s.logger.Error("failed to query aggregates", "error", err)
		s.jsonError(w, http.StatusInternalServerError, "failed to query aggregates")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"rows":   rows,
	})
}

func (s *Server) resolveRunID(r *http.Request) (uuid.UUID, error) {
	if raw := r.URL.Query().Get("run"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid run id %q", raw)
		}
		return id, nil
	}
	run, err := s.store.LatestRun(r.Context())
	if err != nil {
		return uuid.Nil, err
	}
	if run == nil {
		return uuid.Nil, nil
	}
	return run.ID, nil
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run, err := s.store.LatestRun(r.Context())
	if err != nil {
		s.logger.Error("failed to load latest run", "error", err)
		s.jsonError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if run == nil {
		s.jsonError(w, http.StatusNotFound, "no derivation runs recorded")
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	id, err := uuid.Parse(raw)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid run id %q", raw))
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load run", "error", err, "run_id", id)
		s.jsonError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if run == nil {
		s.jsonError(w, http.StatusNotFound, "run not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, msg string) {
	s.jsonResponse(w, status, map[string]string{"error": msg})
}
