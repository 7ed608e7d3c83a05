// Package api exposes the sandbox execution core over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/queryforge/queryforge/pkg/datasets"
	"github.com/queryforge/queryforge/pkg/logger"
	"github.com/queryforge/queryforge/pkg/sandbox/pool"
	"github.com/queryforge/queryforge/pkg/telemetry"
)

// Server serves the sandbox HTTP API.
type Server struct {
	pool     *pool.Pool
	datasets datasets.Store

	httpServer *http.Server
}

// NewServer builds the API server for the given address.
func NewServer(address string, p *pool.Pool, store datasets.Store) *Server {
	s := &Server{
		pool:     p,
		datasets: store,
	}
	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Unauthenticated operational endpoints.
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api/v1/sandbox", func(r chi.Router) {
		r.Use(authenticated)
		r.Post("/execute", s.handleExecute)
		r.Post("/sessions/reset", s.handleSessionReset)
		r.Get("/backends", s.handleBackends)
		r.Get("/datasets", s.handleDatasets)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// Serve listens until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	logger.Infof("HTTP server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
