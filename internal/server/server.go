// Package server provides the HTTP ingress for the proxy.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/config"
	"github.com/rpcsentinel/rpcsentinel/internal/observability"
	"github.com/rpcsentinel/rpcsentinel/internal/server/handlers"
	servermw "github.com/rpcsentinel/rpcsentinel/internal/server/middleware"
)

// Options carries the collaborators the server exposes over HTTP.
type Options struct {
	Config  config.ServerConfig
	Router  handlers.Router
	Pool    handlers.PoolStatus
	Store   handlers.StatisticsReader
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Server represents the ingress HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *zap.Logger
	host   string
	port   int
	cfg    config.ServerConfig
}

// New creates the ingress server and registers all routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestLogger(logger))
	r.Use(servermw.Recovery(logger))

	s := &Server{
		router: r,
		logger: logger,
		host:   opts.Config.Host,
		port:   opts.Config.Port,
		cfg:    opts.Config,
	}

	s.registerRoutes(opts)

	return s
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes(opts Options) {
	rpc := &handlers.RPC{Router: opts.Router, Logger: s.logger, Observer: opts.Metrics}
	s.router.Post("/", rpc.ServeHTTP)

	health := &handlers.Health{Pool: opts.Pool}
	s.router.Get("/health", health.ServeHTTP)

	stats := &handlers.Stats{Store: opts.Store, Pool: opts.Pool, Logger: s.logger}
	s.router.Get("/stats", stats.ServeHTTP)

	if opts.Metrics != nil {
		s.router.Get("/metrics", promhttp.Handler().ServeHTTP)
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	idleTimeout := s.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// WriteTimeout stays at the configured value (zero by default):
		// connection-holding means a response may legitimately take as
		// long as the router's hold bound.
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.logger.Info("starting HTTP server",
		zap.String("host", s.host),
		zap.Int("port", s.port),
		zap.String("addr", addr))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
