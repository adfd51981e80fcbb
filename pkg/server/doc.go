// Package server provides the costgate ops HTTP server.
//
// The server carries no tenant traffic. It exposes:
//
//   - /health: liveness
//   - /ready: readiness from the registered health checks
//   - /version: build information
//   - /breakers: circuit breaker states
//   - /metrics: Prometheus metrics
//
// Probe paths and the metrics path come from the telemetry config. Every
// response carries an X-Request-ID header, and the ID is attached to log
// records written while serving the request.
//
//	srv := server.NewServer(cfg.Server, cfg.Telemetry, checker,
//	    server.WithMetricsHandler(collector.Handler()),
//	    server.WithBreakers(breakers),
//	)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//
// Start blocks until ctx is cancelled, then shuts down within
// server.shutdown_timeout.
package server
