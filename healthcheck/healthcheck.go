// Package healthcheck implements the plain-HTTP(S) health probe endpoint
// Envoy's infrastructure polls alongside the ext-proc/ext-authz gRPC
// listeners.
package healthcheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
)

// Config controls the health-check HTTP(S) server.
type Config struct {
	Address    string
	Secure     bool
	TLSConfig  *tls.Config
	AllowedIPs []string // "*" or "0.0.0.0/0" allows any client.
}

// Server is the health-check HTTP(S) server. It responds 200 to GET requests
// from allowed clients and 405 to any other method, matching the upstream
// HealthCheckService contract.
type Server struct {
	cfg        Config
	httpServer *http.Server
}

// NewServer builds a health-check server bound to cfg.Address. An empty
// AllowedIPs list allows any client, since health probes are typically
// issued by the proxy's own infrastructure rather than end users.
func NewServer(cfg Config) *Server {
	mux := http.NewServeMux()
	mux.Handle("/", ipAllowlistMiddleware(cfg.AllowedIPs, http.HandlerFunc(healthHandler)))

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:      cfg.Address,
			Handler:   mux,
			TLSConfig: cfg.TLSConfig,
		},
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Start serves the health-check endpoint until Stop is called or a fatal
// listener error occurs.
func (s *Server) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "starting health check server", "address", s.cfg.Address, "secure", s.cfg.Secure)

	var err error
	if s.cfg.Secure {
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health check server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "stopping health check server")
	return s.httpServer.Shutdown(ctx)
}

func ipAllowlistMiddleware(allowedIPs []string, next http.Handler) http.Handler {
	if len(allowedIPs) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		if !isIPAllowed(clientIP, allowedIPs) {
			slog.Warn("blocked health check request from unauthorized IP", "client_ip", clientIP)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isIPAllowed(clientIP string, allowedIPs []string) bool {
	for _, allowed := range allowedIPs {
		if allowed == "*" || allowed == "0.0.0.0/0" {
			return true
		}
		if clientIP == allowed {
			return true
		}
	}
	return false
}
