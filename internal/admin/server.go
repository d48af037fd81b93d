// Package admin serves the control surface on its own listener, never the
// data socket: health probes, pool status, lifecycle events, Prometheus
// metrics, and the reload/stop controls.
package admin

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bc-dunia/preforkd/internal/auth"
	"github.com/bc-dunia/preforkd/internal/events"
	"github.com/bc-dunia/preforkd/internal/health"
	"github.com/bc-dunia/preforkd/internal/metrics"
	"github.com/bc-dunia/preforkd/internal/otel"
	"github.com/bc-dunia/preforkd/internal/supervisor"
)

// Server is the admin HTTP server. Configure it with the SetX methods
// before Start.
type Server struct {
	supervisor *supervisor.Supervisor
	collector  *metrics.Collector
	ring       *events.Ring
	sampler    *health.Sampler
	tracer     *otel.Tracer

	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
	running  bool
	addr     string

	authConfig     *auth.Config
	authMiddleware *auth.Middleware
}

func NewServer(addr string, sup *supervisor.Supervisor) *Server {
	return &Server{
		supervisor: sup,
		addr:       addr,
		authConfig: auth.DefaultConfig(),
	}
}

func (s *Server) SetAuthConfig(config *auth.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authConfig = config
	s.authMiddleware = nil
}

func (s *Server) SetCollector(c *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collector = c
}

func (s *Server) SetRing(r *events.Ring) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = r
}

func (s *Server) SetSampler(p *health.Sampler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampler = p
}

func (s *Server) SetTracer(t *otel.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

func (s *Server) getAuthMiddleware() *auth.Middleware {
	if s.authMiddleware != nil {
		return s.authMiddleware
	}

	if s.authConfig == nil {
		s.authConfig = auth.DefaultConfig()
	}

	var authenticator auth.Authenticator
	if s.authConfig.Mode == auth.AuthModeToken {
		authenticator = auth.NewTokenAuthenticator(s.authConfig)
	}

	s.authMiddleware = auth.NewMiddleware(s.authConfig, authenticator)
	return s.authMiddleware
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("admin server already running")
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/status", s.authHandler(s.handleStatus))
	mux.HandleFunc("/workers", s.authHandler(s.handleWorkers))
	mux.HandleFunc("/events", s.authHandler(s.handleEvents))
	mux.HandleFunc("/control/reload", s.authHandler(s.handleReload))
	mux.HandleFunc("/control/stop", s.authHandler(s.handleStop))

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           otel.Middleware(s.tracer)(mux),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Protect against slowloris attacks
	}

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[Admin] serve error: %v", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) authHandler(h http.HandlerFunc) http.HandlerFunc {
	return s.getAuthMiddleware().Handler(h).ServeHTTP
}
