// Package server provides the costgate ops HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/resilience/breaker"
	"mercator-hq/costgate/pkg/telemetry/health"
)

// probeRateLimit caps probe and status requests per second.
const probeRateLimit = 50

// Server serves health, readiness, version, breaker state and metrics.
type Server struct {
	config     config.ServerConfig
	telemetry  config.TelemetryConfig
	checker    *health.Checker
	metrics    http.Handler
	breakers   *breaker.Registry
	version    health.VersionInfo
	logger     *slog.Logger
	httpServer *http.Server

	mu        sync.RWMutex
	isRunning bool
	addr      net.Addr
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h on the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithBreakers mounts /breakers reporting the registry's states.
func WithBreakers(reg *breaker.Registry) Option {
	return func(s *Server) {
		s.breakers = reg
	}
}

// WithVersion sets the build information served on /version.
func WithVersion(version, commit, buildTime string) Option {
	return func(s *Server) {
		s.version = health.VersionInfo{Version: version, Commit: commit, BuildTime: buildTime}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.With("component", "server")
		}
	}
}

// NewServer creates an ops server. A nil checker serves readiness with no
// checks.
func NewServer(cfg config.ServerConfig, telemetry config.TelemetryConfig, checker *health.Checker, opts ...Option) *Server {
	if checker == nil {
		checker = health.New(telemetry.Health.CheckTimeout)
	}
	s := &Server{
		config:    cfg,
		telemetry: telemetry,
		checker:   checker,
		logger:    slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("server is already running")
	}
	s.isRunning = true
	s.addr = ln.Addr()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting ops server", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errChan:
		s.markStopped()
		if ok {
			return err
		}
		return nil
	}
}

// Shutdown gracefully stops the server within ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	running := s.isRunning
	s.mu.RUnlock()
	if !running || srv == nil {
		return nil
	}

	s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

	shutdownCtx := ctx
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	err := srv.Shutdown(shutdownCtx)
	s.markStopped()
	if err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.logger.Info("ops server stopped")
	return nil
}

func (s *Server) markStopped() {
	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
}

// IsRunning returns true while the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the listening address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	hc := s.telemetry.Health
	mux.Handle(pathOr(hc.LivenessPath, config.DefaultLivenessPath), s.checker.LivenessHandler())
	mux.Handle(pathOr(hc.ReadinessPath, config.DefaultReadinessPath),
		health.RateLimitedHandler(s.checker.ReadinessHandler(), probeRateLimit))
	mux.Handle("/version", health.VersionHandler(s.version.Version, s.version.Commit, s.version.BuildTime))

	if s.breakers != nil {
		mux.Handle("/breakers", health.RateLimitedHandler(health.BreakersHandler(s.breakers), probeRateLimit))
	}
	if s.metrics != nil && s.telemetry.Metrics.Enabled {
		mux.Handle(pathOr(s.telemetry.Metrics.Path, config.DefaultMetricsPath), s.metrics)
	}

	var handler http.Handler = mux
	handler = loggingMiddleware(s.logger)(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(s.logger)(handler)
	return handler
}

func pathOr(p, def string) string {
	if p == "" {
		return def
	}
	return p
}
