// Package server exposes the admission engine over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatewise/turnstile/pkg/admission"
	"gatewise/turnstile/pkg/config"
	"gatewise/turnstile/pkg/telemetry/health"
	"gatewise/turnstile/pkg/telemetry/logging"
	"gatewise/turnstile/pkg/usage"
)

// Server is the HTTP API server for the admission engine.
type Server struct {
	cfg        config.ServerConfig
	metricsCfg config.MetricsConfig
	gates      map[string]*admission.Gate
	db         *usage.SQLiteStore
	gatherer   prometheus.Gatherer
	checker    *health.Checker
	logger     *logging.Logger

	httpServer   *http.Server
	shutdownOnce sync.Once
	mu           sync.Mutex
	running      bool
}

// NewServer creates an API server over the given gates, one per scope type.
// db may be nil when durable usage is disabled; the usage history endpoint
// then reports 404.
func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, gates map[string]*admission.Gate, db *usage.SQLiteStore, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:        cfg,
		metricsCfg: metricsCfg,
		gates:      gates,
		db:         db,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// SetReadiness attaches a health checker; when set, GET /readyz runs its
// probes and reports 503 until they all pass.
func (s *Server) SetReadiness(c *health.Checker) {
	s.checker = c
}

// Handler builds the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/admit/{scope}", s.handleAdmit)
	mux.HandleFunc("POST /v1/usage/{scope}", s.handleRecordUsage)
	mux.HandleFunc("GET /v1/usage/{scope}/{identifier}", s.handleUsageHistory)
	mux.HandleFunc("POST /v1/reset/{scope}", s.handleReset)
	mux.HandleFunc("GET /v1/state/{scope}/{identifier}", s.handleState)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	if s.metricsCfg.Enabled {
		gatherer := s.gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle("GET "+s.metricsCfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start starts the HTTP server and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Unlock()

	s.logger.Info("api server listening", "address", s.cfg.ListenAddress)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv == nil {
			return
		}
		s.logger.Info("api server shutting down")
		err = srv.Shutdown(ctx)
	})
	return err
}

func (s *Server) gateFor(w http.ResponseWriter, r *http.Request) (*admission.Gate, bool) {
	scope := r.PathValue("scope")
	gate, ok := s.gates[scope]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown scope type %q", scope))
		return nil, false
	}
	return gate, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	status := s.checker.Check(r.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
