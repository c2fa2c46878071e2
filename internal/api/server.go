// Package api serves the admin HTTP endpoint: Prometheus metrics, a health
// check and the runtime log level.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/elemta-lmtp/internal/lmtp"
	"github.com/busybox42/elemta-lmtp/internal/logging"
)

// StatsSource reports the state of the LMTP listener.
type StatsSource interface {
	Stats() lmtp.Stats
}

// Server is the admin HTTP server.
type Server struct {
	listenAddr string
	version    string
	source     StatsSource
	levels     *logging.LevelManager
	logger     *slog.Logger
	startedAt  time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates an admin server. A nil levels uses the process-wide
// level manager.
func NewServer(listenAddr, version string, source StatsSource, levels *logging.LevelManager, logger *slog.Logger) *Server {
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8026"
	}
	if levels == nil {
		levels = logging.GetLevelManager()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listenAddr: listenAddr,
		version:    version,
		source:     source,
		levels:     levels,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
	}
}

// Handler returns the router with every admin route.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/loglevel", s.handleGetLogLevel).Methods("GET")
	api.HandleFunc("/loglevel", s.handleSetLogLevel).Methods("PUT", "POST")

	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return fmt.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to create api listener: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.logger.Info("API server listening", "addr", listener.Addr().String())
	srv := s.httpServer
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting up to ten seconds for requests in
// flight.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
