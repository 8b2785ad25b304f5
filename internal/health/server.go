package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/aria/internal/observe"
)

// Server hosts the monitoring endpoints on the configured metrics address:
// the probes from [Handler] plus the Prometheus /metrics scrape target. All
// routes run through the observe middleware so probes and scrapes carry
// trace context and show up in the request duration histogram.
type Server struct {
	srv *http.Server
}

// NewServer builds a monitoring server listening on addr.
func NewServer(addr string, h *Handler, m *observe.Metrics) *Server {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      observe.Middleware(m, mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins serving in a background goroutine. A listen failure is logged
// rather than propagated; the client keeps running without its monitoring
// surface.
func (s *Server) Start() {
	slog.Info("monitoring endpoints up", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("monitoring server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
