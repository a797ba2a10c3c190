// Package api provides the HTTP API of nesspipe: on-demand conversion of
// uploaded exports, read access to stored imports, health and metrics.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/nesspipe/internal/api/handlers"
	"github.com/anstrom/nesspipe/internal/api/middleware"
	"github.com/anstrom/nesspipe/internal/config"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/workers"
)

const serverShutdownTimeout = 30 * time.Second

// Deps are the collaborators the routes are built from. Converter is
// required; a nil Imports, Database or Scheduler leaves the matching
// routes or health checks out, and a nil Metrics disables /metrics. A nil
// Slots is created from MaxConcurrent.
type Deps struct {
	Converter apihandlers.Converter
	Imports   apihandlers.ImportStore
	Database  apihandlers.DatabasePinger
	Scheduler apihandlers.NextRunner
	Metrics   *metrics.PrometheusMetrics
	Slots     *workers.Slots
	Logger    *logging.Logger
	Version   string
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	deps       Deps
	config     config.API
	logger     *logging.Logger
}

// New creates a new API server instance.
func New(cfg config.API, deps Deps) (*Server, error) {
	if deps.Converter == nil {
		return nil, fmt.Errorf("api server requires a converter")
	}
	if cfg.MaxRequestSize <= 0 {
		return nil, fmt.Errorf("api max_request_size must be positive, got %d", cfg.MaxRequestSize)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Slots == nil && cfg.MaxConcurrent > 0 {
		deps.Slots = workers.NewSlots(cfg.MaxConcurrent)
	}

	server := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: cfg,
		logger: deps.Logger.WithComponent("api"),
	}

	server.setupRoutes()
	server.setupMiddleware()

	server.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
		Handler:           server.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return server, nil
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout,
		"max_request_size", s.config.MaxRequestSize)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Handler returns the fully wrapped handler: panic recovery outermost,
// then response compression, then the router with its middleware.
func (s *Server) Handler() http.Handler {
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(middleware.RecoveryLogger{Logger: s.logger}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(handlers.CompressHandler(s.router))
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func (s *Server) recorder() metrics.Recorder {
	if s.deps.Metrics == nil {
		return metrics.Nop{}
	}
	return s.deps.Metrics
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	health := apihandlers.NewHealthHandler(s.deps.Database, s.deps.Scheduler, s.deps.Version, s.logger)
	route(api, "/health", health.Health, http.MethodGet)
	route(api, "/version", health.Version, http.MethodGet)

	convert := apihandlers.NewConvertHandler(s.deps.Converter, s.recorder(), s.config.MaxRequestSize, s.logger)
	if s.deps.Slots != nil {
		convert.LimitConcurrency(s.deps.Slots)
	}
	route(api, "/convert", convert.Convert, http.MethodPost)

	if s.deps.Imports != nil {
		imports := apihandlers.NewImportsHandler(s.deps.Imports, s.logger)
		route(api, "/imports", imports.List, http.MethodGet)
		route(api, "/imports/{id}", imports.Get, http.MethodGet)
	}

	if s.deps.Metrics != nil {
		route(s.router, "/metrics", s.deps.Metrics.Handler().ServeHTTP, http.MethodGet)
	}

	route(s.router, "/", s.index, http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(apihandlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(apihandlers.MethodNotAllowed)
}

// route registers h for method on path, and answers every other method
// with 405. mux loses the method mismatch once a later route fails on path
// or middleware is installed, so the fallback is registered explicitly.
func route(r *mux.Router, path string, h http.HandlerFunc, method string) {
	r.HandleFunc(path, h).Methods(method)
	r.HandleFunc(path, apihandlers.MethodNotAllowed)
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.recorder()))
	s.router.Use(middleware.SecurityHeaders())
	if s.config.WriteTimeout > 0 {
		s.router.Use(middleware.RequestTimeout(s.config.WriteTimeout))
	}
}

// index lists the available endpoints.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health":  "/api/v1/health",
		"version": "/api/v1/version",
		"convert": "/api/v1/convert",
	}
	if s.deps.Imports != nil {
		endpoints["imports"] = "/api/v1/imports"
	}
	if s.deps.Metrics != nil {
		endpoints["metrics"] = "/metrics"
	}
	apihandlers.WriteJSON(w, r, http.StatusOK, map[string]any{
		"service":   "nesspipe",
		"version":   s.deps.Version,
		"endpoints": endpoints,
	})
}
