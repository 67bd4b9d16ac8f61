// Package microservice provides the HTTP server shared by live board
// processes: a mux with health, readiness and metrics endpoints, request
// instrumentation and graceful shutdown.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BaseConfig holds common configuration fields for all services.
type BaseConfig struct {
	LogLevel        string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat       string `yaml:"log_format" validate:"omitempty,oneof=json console"`
	HTTPPort        string `yaml:"http_port" validate:"required"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	ServiceName     string `yaml:"service_name"`
}

// HealthChecker is a dependency probed by the readiness endpoint.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// Service defines the common interface for all microservices.
type Service interface {
	Start() error
	Shutdown(ctx context.Context) error
	Mux() *http.ServeMux
	GetHTTPPort() string
}

// BaseServer provides common functionalities for microservice servers.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex

	checksMu sync.RWMutex
	checks   []HealthChecker
}

// NewBaseServer creates and initializes a new BaseServer.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	s := &BaseServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", HealthzHandler)
	s.Handle("GET /readyz", http.HandlerFunc(s.readyzHandler))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              httpPort,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle registers handler for pattern with request logging and metrics,
// using pattern as the route label.
func (s *BaseServer) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, Instrument(s.Logger, pattern, handler))
}

// AddHealthCheck registers a dependency probed by /readyz.
func (s *BaseServer) AddHealthCheck(checks ...HealthChecker) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks = append(s.checks, checks...)
}

// CheckAll probes every registered dependency. The map holds "ok" or the
// error text per dependency name.
func (s *BaseServer) CheckAll(ctx context.Context) (map[string]string, bool) {
	s.checksMu.RLock()
	checks := append([]HealthChecker(nil), s.checks...)
	s.checksMu.RUnlock()

	results := make(map[string]string, len(checks))
	healthy := true
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			results[c.Name()] = err.Error()
			healthy = false
			continue
		}
		results[c.Name()] = "ok"
	}
	return results, healthy
}

func (s *BaseServer) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results, healthy := s.CheckAll(ctx)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": healthy, "checks": results})
}

// Start initiates the HTTP server in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the actual configured HTTP port the server is listening on.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to liveness probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
