// Package breaker protects calls to unreliable dependencies with a
// three-state circuit breaker.
//
// # States
//
//   - Closed: calls pass through and consecutive failures are counted.
//   - Open: calls fail immediately with ErrCircuitOpen until the cool-down
//     elapses. The wrapped function is never invoked.
//   - Half-open: trial calls are let through. SuccessThreshold consecutive
//     successes close the breaker, a single failure reopens it and restarts
//     the cool-down (ResetTimeout when configured, otherwise Timeout).
//
// The state machine is provided by github.com/sony/gobreaker/v2. Breaker adds
// the distinct half-open cool-down, introspectable Stats, manual Reset and the
// retryable ErrCircuitOpen error.
//
// # Registry
//
// Breakers are kept in an explicit Registry that is built once at startup and
// passed to the components that need it. There is no package-level state.
//
// Example:
//
//	reg := breaker.NewRegistry(breaker.DefaultConfig(), logger)
//	reply, err := breaker.Do(ctx, reg, "openai", func(ctx context.Context) (string, error) {
//	    return client.Complete(ctx, prompt)
//	})
//	if breaker.IsRetryable(err) {
//	    // serve a fallback and try again later
//	}
package breaker
