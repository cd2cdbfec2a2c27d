// Package server provides the HTTP server for eos: the streaming
// front-end under /eos/v1/ and the management API under /api/v1/.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/easyott/eos/internal/config"
	"github.com/easyott/eos/internal/dispatch"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/server/handlers"
	"github.com/easyott/eos/internal/server/middleware"
	"github.com/easyott/eos/internal/session"
	"github.com/easyott/eos/pkg/httpclient"
)

// Server represents the HTTP server.
type Server struct {
	config     config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates the HTTP server, wiring the streaming front-end onto the
// dispatch pool and registering the management API. The version
// parameter is used in the OpenAPI spec and should match the build
// version.
func New(cfg config.ServerConfig, manager *session.Manager, pool *dispatch.Pool, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())

	// fMP4 fragments are served raw; everything else compresses.
	router.Use(middleware.SkipCompressionForMedia(chimiddleware.Compress(5)))

	streaming := handlers.NewStreamingHandler(manager, pool, logger)
	router.Handle("/"+manifest.ServiceName+"/v1/*", streaming)

	humaConfig := huma.DefaultConfig("eos API", version)
	humaConfig.Info.Description = "Streaming subtitle proxy management API"
	api := humachi.New(router, humaConfig)

	handlers.NewSessionsHandler(manager).Register(api)
	handlers.NewStatsHandler(httpclient.DefaultStats, pool).Register(api)
	handlers.NewHealthHandler(version, manager, pool).Register(api)

	return &Server{
		config: cfg,
		router: router,
		api:    api,
		logger: logger,
	}
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.config.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting HTTP server",
		slog.String("address", addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server",
		slog.Duration("timeout", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and handles graceful shutdown.
// It blocks until the server is shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
