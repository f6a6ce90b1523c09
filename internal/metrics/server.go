package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the Prometheus metrics HTTP endpoint. It serves whatever has
// been registered against the default registry by InitMetrics, so it must
// be started after InitMetrics has run.
type Server struct {
	port       int
	httpServer *http.Server
}

// NewServer builds a metrics server bound to the given port.
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		port: port,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start serves /metrics until Stop is called or a fatal listener error
// occurs.
func (s *Server) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "starting metrics HTTP server", "port", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "stopping metrics HTTP server")
	return s.httpServer.Shutdown(ctx)
}
