package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/costgate/pkg/admission"
	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/limits/abuse"
	"mercator-hq/costgate/pkg/limits/budget"
	"mercator-hq/costgate/pkg/limits/counter"
	"mercator-hq/costgate/pkg/limits/ratelimit"
	"mercator-hq/costgate/pkg/limits/storage"
	"mercator-hq/costgate/pkg/processing/costs"
	"mercator-hq/costgate/pkg/resilience/breaker"
	"mercator-hq/costgate/pkg/telemetry/metrics"
	"mercator-hq/costgate/pkg/telemetry/tracing"
)

// stack holds every component built from one configuration.
type stack struct {
	cfg    *config.Config
	logger *slog.Logger

	store     storage.Store
	incidents storage.IncidentLog
	rdb       redis.UniversalClient
	counters  counter.Store

	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	breakers *breaker.Registry
	pricing  *costs.Calculator
	tracker  *costs.Tracker
	alerter  *budget.Alerter
	ledger   *budget.Ledger
	limiter  *ratelimit.Limiter
	detector *abuse.Detector
	gate     *admission.Gate

	closers []func() error
}

// stackOptions selects the optional parts of a stack.
type stackOptions struct {
	// alerts starts the alerter and attaches it to the ledger.
	alerts bool

	// tracing exports spans when telemetry.tracing is enabled.
	tracing bool
}

// buildStack opens the stores and constructs the components. On error
// everything opened so far is closed.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts stackOptions) (_ *stack, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)

	s.tracer = tracing.Noop()
	if opts.tracing && cfg.Telemetry.Tracing.Enabled {
		if s.tracer, err = tracing.New(&cfg.Telemetry.Tracing); err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
		tracer := s.tracer
		s.closers = append(s.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tracer.Shutdown(ctx)
		})
	}

	if s.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.store.Close)

	var separate bool
	if s.incidents, separate, err = openIncidents(cfg, s.store, logger); err != nil {
		return nil, err
	}
	if separate {
		s.closers = append(s.closers, s.incidents.Close)
	}

	if cfg.Redis.Enabled {
		s.rdb = counter.NewRedisClient(counter.RedisConfig{
			Addrs:        cfg.Redis.Addrs,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		rs := counter.NewRedisStore(s.rdb)
		s.counters = rs
		s.closers = append(s.closers, rs.Close)
	} else {
		s.counters = counter.NewMemoryStore()
	}

	s.breakers = newBreakerRegistry(cfg.Breakers, s.metrics, logger)
	s.pricing = costs.NewCalculator(&cfg.Costs)
	s.tracker = costs.NewTracker(s.store, s.store, logger)

	ledgerOpts := []budget.Option{
		budget.WithMetrics(s.metrics),
		budget.WithLogger(logger),
		budget.WithThresholds(cfg.Budget.WarnPercent, cfg.Budget.CriticalPercent),
	}
	if s.rdb != nil {
		ledgerOpts = append(ledgerOpts, budget.WithPauseCache(
			budget.NewRedisPauseCache(s.rdb, cfg.Redis.KeyPrefix, cfg.Ledger.PauseCacheTTL)))
	} else {
		ledgerOpts = append(ledgerOpts, budget.WithPauseCache(
			budget.NewMemoryPauseCache(cfg.Ledger.PauseCacheTTL)))
	}

	if opts.alerts {
		notifiers, nerr := budget.NewNotifiers(cfg.Alerts, s.rdb, logger)
		if nerr != nil {
			return nil, fmt.Errorf("failed to create alert notifiers: %w", nerr)
		}
		s.alerter = budget.NewAlerter(budget.NewAlerterConfig(cfg.Alerts), notifiers,
			budget.WithAlerterLogger(logger),
			budget.WithAlerterMetrics(s.metrics),
		)
		s.closers = append(s.closers, s.alerter.Close)
		ledgerOpts = append(ledgerOpts, budget.WithAlertSink(s.alerter))
	}

	s.ledger = budget.NewLedger(s.store, budget.NewPlans(cfg.Budget), ledgerOpts...)

	s.limiter = ratelimit.NewLimiter(s.counters, &cfg.RateLimits,
		ratelimit.WithKeyPrefix(cfg.Redis.KeyPrefix),
		ratelimit.WithMetrics(s.metrics),
		ratelimit.WithLogger(logger),
	)
	s.detector = abuse.NewDetector(s.counters, s.incidents, &cfg.Abuse,
		abuse.WithKeyPrefix(cfg.Redis.KeyPrefix),
		abuse.WithMetrics(s.metrics),
		abuse.WithLogger(logger),
	)
	s.gate = admission.New(s.ledger,
		admission.WithLimiter(s.limiter),
		admission.WithDetector(s.detector),
		admission.WithBreakers(s.breakers),
		admission.WithPricing(s.pricing),
		admission.WithMetrics(s.metrics),
		admission.WithTracer(s.tracer),
		admission.WithLogger(logger),
	)

	return s, nil
}

// apply pushes a reloaded configuration to the components that support it.
// Stores, Redis and breakers keep their startup settings.
func (s *stack) apply(cfg *config.Config) {
	s.pricing.UpdatePricing(&cfg.Costs)
	s.limiter.UpdateConfig(&cfg.RateLimits)
	s.detector.UpdateConfig(&cfg.Abuse)
	s.ledger.ApplyConfig(cfg.Budget)
	s.logger.Info("configuration applied",
		"plans", len(cfg.Budget.Plans),
		"rate_limits_enabled", cfg.RateLimits.Enabled,
		"abuse_enabled", cfg.Abuse.Enabled,
	)
}

// Close releases resources in reverse order of creation.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && !errors.Is(err, storage.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		st, err := storage.NewSQLiteStore(storage.SQLiteConfig{
			Path:               cfg.Storage.SQLite.Path,
			BusyTimeout:        cfg.Storage.SQLite.BusyTimeout,
			TxTimeout:          cfg.Ledger.TxTimeout,
			CheckpointInterval: cfg.Storage.SQLite.CheckpointInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:              cfg.Storage.Postgres.DSN,
			MaxOpenConns:     cfg.Storage.Postgres.MaxOpenConns,
			LockTimeout:      cfg.Ledger.LockTimeout,
			StatementTimeout: cfg.Ledger.StatementTimeout,
			MaxRetries:       cfg.Storage.Postgres.MaxRetries,
			EnsureSchema:     cfg.Storage.Postgres.EnsureSchema,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// openIncidents returns the ledger store when it can hold incidents and the
// "ledger" backend is selected, and a separate SQLite log otherwise.
// separate reports that the returned log must be closed on its own.
func openIncidents(cfg *config.Config, store storage.Store, logger *slog.Logger) (log storage.IncidentLog, separate bool, err error) {
	inc := cfg.Storage.Incidents
	if inc.Backend == "ledger" {
		if shared, ok := store.(storage.IncidentLog); ok {
			return shared, false, nil
		}
		logger.Info("ledger backend cannot hold incidents, using sqlite incident log",
			"backend", cfg.Storage.Backend,
			"path", inc.Path,
		)
	}

	path := inc.Path
	if path == "" {
		path = config.DefaultIncidentsPath
	}
	sqlite, err := storage.NewIncidentSQLite(storage.IncidentSQLiteConfig{Path: path})
	if err != nil {
		return nil, false, fmt.Errorf("failed to open incident log: %w", err)
	}
	return sqlite, true, nil
}

func newBreakerRegistry(cfg config.BreakersConfig, m *metrics.Collector, logger *slog.Logger) *breaker.Registry {
	opts := []breaker.RegistryOption{
		breaker.WithRegistryListener(func(name string, from, to breaker.State) {
			m.SetBreakerState(name, int(to))
			m.RecordBreakerTransition(name, from.String(), to.String())
		}),
	}
	for name, o := range cfg.Overrides {
		opts = append(opts, breaker.WithOverride(name, toBreakerConfig(o)))
	}
	return breaker.NewRegistry(toBreakerConfig(cfg.Defaults), logger, opts...)
}

func toBreakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout,
		ResetTimeout:     c.ResetTimeout,
	}
}
