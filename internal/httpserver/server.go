// internal/httpserver/server.go
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/mw"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/routes"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	http    *http.Server
	logger  logger.Logger
	started time.Time
}

// New builds the HTTP server (router, middlewares, route registration).
func New(listenAddr string, loggerClient logger.Logger, d deps.Deps) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID) // X-Request-ID on each request
	r.Use(middleware.Recoverer) // never crash the process on panic
	r.Use(mw.Log(loggerClient)) // structured access logs
	// No per-request timeout middleware: proxied bodies stream for as
	// long as the upstream takes, and websockets stay open for hours.

	routes.RegisterAll(r, d)

	s := &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{
		http:    s,
		logger:  loggerClient,
		started: d.StartTime,
	}
}

// Start runs the HTTP server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.logger.Infof("HTTP server listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	// http.ErrServerClosed is expected on graceful shutdown.
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down...")
	return s.http.Shutdown(ctx)
}
