// Package api contains the daemon's HTTP surface for starting, inspecting
// and signalling executions.
package api

import (
	"context"
	"net/http"
	"time"
)

// Server is the HTTP server for the daemon API.
type Server struct {
	httpServer *http.Server
}

// New creates a new daemon API server.
func New(addr string, h *Handlers) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("POST /executions", h.RunExecution)
	mux.HandleFunc("GET /executions", h.ListExecutions)
	mux.HandleFunc("GET /executions/{id}", h.GetExecution)
	mux.HandleFunc("POST /executions/{id}/signal", h.SignalExecution)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      h.withRequestID(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled, or
// returns the listener's error if the server fails first.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
