package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker is
// open or its half-open trial slots are taken. Callers should treat it as
// retryable later and may serve a fallback immediately.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError carries the breaker name and the earliest time a trial call will
// be admitted.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit %q is open", e.Name)
	}
	return fmt.Sprintf("circuit %q is open until %s", e.Name, e.RetryAt.Format(time.RFC3339Nano))
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryAfter returns how long the caller should wait before trying again.
func (e *OpenError) RetryAfter() time.Duration {
	d := time.Until(e.RetryAt)
	if d < 0 {
		return 0
	}
	return d
}

// IsRetryable reports whether err was produced by an open circuit.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
