// Package server serves the agent's local HTTP API used by kioskctl and the
// kiosk shell.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"appfleet/internal/server/handlers"
	"appfleet/internal/server/middleware"

	"golang.org/x/time/rate"
)

// Options configure the local API.
type Options struct {
	// TokenHash is the hex SHA-256 of the bearer token clients must send.
	// Empty disables authentication.
	TokenHash string
	// RateLimit and RateBurst bound requests per client. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// Server is the HTTP server for the local API.
type Server struct {
	httpServer *http.Server
}

// New creates a new local API server.
func New(addr string, h *handlers.Handlers, opts Options, log *slog.Logger) *Server {
	authMW := middleware.RequireToken(opts.TokenHash)

	mux := http.NewServeMux()

	// Probes stay open for the local supervisor.
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)

	mux.Handle("GET /candidates", authMW(http.HandlerFunc(h.ListCandidates)))
	mux.Handle("POST /sync", authMW(http.HandlerFunc(h.Sync)))
	mux.Handle("GET /jobs", authMW(http.HandlerFunc(h.ListJobs)))
	mux.Handle("POST /jobs", authMW(http.HandlerFunc(h.CreateJob)))
	mux.Handle("GET /jobs/{id}", authMW(http.HandlerFunc(h.GetJob)))
	mux.Handle("DELETE /jobs/{id}", authMW(http.HandlerFunc(h.CancelJob)))
	mux.Handle("POST /jobs/{id}/resolve", authMW(http.HandlerFunc(h.ResolveJob)))
	mux.Handle("GET /history", authMW(http.HandlerFunc(h.ListHistory)))

	limiter := middleware.NewRateLimiter(middleware.WithLimit(opts.RateLimit, opts.RateBurst))
	handler := middleware.RequestID(log)(limiter.Middleware()(mux))

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: handler,
			// POST /sync waits for the fleet API round trip.
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
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
