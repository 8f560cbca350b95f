// Package api provides the HTTP server for CharacterForge.
//
// It exposes RESTful endpoints for creating workflow sessions, submitting triggers,
// inspecting session state and describing the configured workflow.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CharacterForge/internal/flow"
	"github.com/BTreeMap/CharacterForge/internal/metrics"
	"github.com/BTreeMap/CharacterForge/internal/util"
)

// DefaultServerAddress is the address the API listens on when none is configured.
const DefaultServerAddress = ":8080"

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	Metrics         *metrics.Metrics
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMetrics exposes m on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// Server serves the session API on top of a flow.Engine.
type Server struct {
	engine          *flow.Engine
	stateManager    *flow.StateManager
	metrics         *metrics.Metrics
	addr            string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

// NewServer creates a Server. The engine must outlive the server.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress, ShutdownTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}
	s := &Server{
		engine:          engine,
		stateManager:    flow.NewStateManager(engine.Registry()),
		metrics:         cfg.Metrics,
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/triggers", s.submitTriggerHandler)
	mux.HandleFunc("PUT /sessions/{id}/data", s.setStateDataHandler)
	mux.HandleFunc("DELETE /sessions/{id}/data/{key}", s.deleteStateDataHandler)
	mux.HandleFunc("GET /workflow", s.workflowHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return withRequestID(mux)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Start listens until the server is shut down. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	slog.Info("API server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("API server failed", "error", err)
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	slog.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = util.GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("API request",
			"requestID", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start))
	})
}
