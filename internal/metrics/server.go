package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics and /health.
type Server struct {
	addr     string
	registry *prometheus.Registry

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// NewServer creates a metrics server for reg listening on addr.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	return &Server{addr: addr, registry: reg}
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start listens and serves until Stop. It returns nil after Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if s.server != nil {
		s.mu.Unlock()
		return fmt.Errorf("metrics server already running")
	}
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	s.server = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server on %s: %w", s.addr, err)
	}
	return nil
}

// Stop shuts the server down. A server stopped before Start never
// listens.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.stopped = true
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
