package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Registry owns one Breaker per dependency name. Breakers are created lazily
// on first use and live for the lifetime of the registry.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	logger    *slog.Logger
	listener  func(name string, from, to State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithOverride sets the configuration used for one named breaker.
func WithOverride(name string, cfg Config) RegistryOption {
	return func(r *Registry) {
		r.overrides[name] = cfg
	}
}

// WithRegistryListener registers a state-change callback for every breaker
// the registry creates.
func WithRegistryListener(fn func(name string, from, to State)) RegistryOption {
	return func(r *Registry) {
		r.listener = fn
	}
}

// NewRegistry creates an empty registry. Breakers without an override use
// defaults.
func NewRegistry(defaults Config, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		defaults:  defaults,
		overrides: make(map[string]Config),
		logger:    logger.With("component", "breaker"),
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	b = New(name, cfg, WithLogger(r.logger), WithStateListener(r.listener))
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Stats returns stats for every breaker, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	stats := make([]Stats, 0, len(list))
	for _, b := range list {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Reset closes the named breaker. It reports false if no such breaker exists.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Lookup(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Do runs fn through the named breaker and returns its result.
//
// Example:
//
//	audio, err := breaker.Do(ctx, reg, "tts", func(ctx context.Context) ([]byte, error) {
//	    return tts.Synthesize(ctx, text)
//	})
func Do[T any](ctx context.Context, reg *Registry, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := reg.Get(name).Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
