package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State is the position of a breaker in its state machine.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateHalfOpen admits trial calls.
	StateHalfOpen
	// StateOpen rejects calls.
	StateOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// a closed breaker.
	// Default: 5
	FailureThreshold uint32

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the breaker.
	// Default: 2
	SuccessThreshold uint32

	// Timeout is how long the breaker stays open after tripping from closed.
	// Default: 30s
	Timeout time.Duration

	// ResetTimeout is how long the breaker stays open after a failed
	// half-open trial. Zero means Timeout.
	ResetTimeout time.Duration

	// IsExcluded reports errors that count as neither success nor failure.
	// Defaults to context cancellation.
	IsExcluded func(err error) bool
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = c.Timeout
	}
	if c.IsExcluded == nil {
		c.IsExcluded = func(err error) bool {
			return errors.Is(err, context.Canceled)
		}
	}
	return c
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    uint32    `json:"failure_count"`
	SuccessCount    uint32    `json:"success_count"`
	Requests        uint32    `json:"requests"`
	TotalFailures   uint32    `json:"total_failures"`
	TotalSuccesses  uint32    `json:"total_successes"`
	NextAttemptAt   time.Time `json:"next_attempt_at,omitempty"`
	LastStateChange time.Time `json:"last_state_change,omitempty"`
}

// Option configures optional Breaker behavior.
type Option func(*Breaker)

// WithLogger sets the logger used for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateListener registers a callback invoked on every state change.
// The callback runs while the breaker holds its internal lock and must not
// call back into the breaker.
func WithStateListener(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.listener = fn
	}
}

// Breaker guards one named dependency. It is safe for concurrent use.
type Breaker struct {
	name     string
	config   Config
	logger   *slog.Logger
	listener func(name string, from, to State)

	// epoch invalidates state callbacks from a circuit replaced by Reset.
	epoch atomic.Uint64

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker[struct{}]

	gateMu     sync.Mutex
	openUntil  time.Time
	lastChange time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: cfg.withDefaults(),
		logger: slog.Default().With("component", "breaker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("breaker", name)
	b.cb = b.newCircuit(b.epoch.Load())
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker admits the call. Rejected calls return an
// *OpenError wrapping ErrCircuitOpen and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if retryAt, open := b.gate(time.Now()); open {
		return &OpenError{Name: b.name, RetryAt: retryAt}
	}

	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		retryAt, _ := b.gate(time.Now())
		return &OpenError{Name: b.name, RetryAt: retryAt}
	}
	return err
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports half-open.
func (b *Breaker) State() State {
	if _, open := b.gate(time.Now()); open {
		return StateOpen
	}

	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	return fromGobreaker(cb.State())
}

// Stats returns counters and timing for the breaker.
func (b *Breaker) Stats() Stats {
	state := b.State()

	b.mu.RLock()
	counts := b.cb.Counts()
	b.mu.RUnlock()

	b.gateMu.Lock()
	next := b.openUntil
	last := b.lastChange
	b.gateMu.Unlock()

	if state != StateOpen {
		next = time.Time{}
	}

	return Stats{
		Name:            b.name,
		State:           state,
		FailureCount:    counts.ConsecutiveFailures,
		SuccessCount:    counts.ConsecutiveSuccesses,
		Requests:        counts.Requests,
		TotalFailures:   counts.TotalFailures,
		TotalSuccesses:  counts.TotalSuccesses,
		NextAttemptAt:   next,
		LastStateChange: last,
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	prev := b.State()

	b.mu.Lock()
	epoch := b.epoch.Add(1)
	b.cb = b.newCircuit(epoch)
	b.mu.Unlock()

	b.gateMu.Lock()
	b.openUntil = time.Time{}
	b.lastChange = time.Now()
	b.gateMu.Unlock()

	b.logger.Info("circuit breaker reset", "previous_state", prev.String())
	if prev != StateClosed && b.listener != nil {
		b.listener(b.name, prev, StateClosed)
	}
}

// gate reports whether the breaker is inside an open cool-down.
func (b *Breaker) gate(now time.Time) (time.Time, bool) {
	b.gateMu.Lock()
	defer b.gateMu.Unlock()

	if b.openUntil.IsZero() || !now.Before(b.openUntil) {
		return b.openUntil, false
	}
	return b.openUntil, true
}

func (b *Breaker) newCircuit(epoch uint64) *gobreaker.CircuitBreaker[struct{}] {
	cfg := b.config

	// gobreaker has one open period, so it runs on the shorter of the two
	// and the gate holds the breaker open for the remainder.
	openPeriod := cfg.Timeout
	if cfg.ResetTimeout < openPeriod {
		openPeriod = cfg.ResetTimeout
	}

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     openPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsExcluded: cfg.IsExcluded,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if b.epoch.Load() != epoch {
				return
			}
			b.onStateChange(fromGobreaker(from), fromGobreaker(to))
		},
	})
}

func (b *Breaker) onStateChange(from, to State) {
	now := time.Now()

	b.gateMu.Lock()
	switch to {
	case StateOpen:
		if from == StateHalfOpen {
			b.openUntil = now.Add(b.config.ResetTimeout)
		} else {
			b.openUntil = now.Add(b.config.Timeout)
		}
	default:
		b.openUntil = time.Time{}
	}
	b.lastChange = now
	b.gateMu.Unlock()

	if to == StateOpen {
		b.logger.Warn("circuit breaker opened", "from", from.String())
	} else {
		b.logger.Info("circuit breaker state changed", "from", from.String(), "to", to.String())
	}

	if b.listener != nil {
		b.listener(b.name, from, to)
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
