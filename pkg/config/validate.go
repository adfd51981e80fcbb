package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateRedis(&cfg.Redis, &cfg.Alerts)...)
	errs = append(errs, validateLedger(&cfg.Ledger)...)
	errs = append(errs, validateBudget(&cfg.Budget)...)
	errs = append(errs, validateAlerts(&cfg.Alerts)...)
	errs = append(errs, validateRateLimits(&cfg.RateLimits)...)
	errs = append(errs, validateAbuse(&cfg.Abuse)...)
	errs = append(errs, validateBreakers(&cfg.Breakers)...)
	errs = append(errs, validateCosts(&cfg.Costs)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: "listen address is required"})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "read timeout must be positive"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "write timeout must be positive"})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "shutdown timeout must be positive"})
	}

	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "storage.sqlite.path", Message: "path is required for sqlite backend"})
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			errs = append(errs, FieldError{Field: "storage.postgres.dsn", Message: "dsn is required for postgres backend"})
		}
		if cfg.Postgres.MaxOpenConns < 1 {
			errs = append(errs, FieldError{Field: "storage.postgres.max_open_conns", Message: "must be at least 1"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend %q (must be memory, sqlite or postgres)", cfg.Backend),
		})
	}

	switch cfg.Incidents.Backend {
	case "ledger":
	case "sqlite":
		if cfg.Incidents.Path == "" {
			errs = append(errs, FieldError{Field: "storage.incidents.path", Message: "path is required for sqlite incidents"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.incidents.backend",
			Message: fmt.Sprintf("invalid backend %q (must be ledger or sqlite)", cfg.Incidents.Backend),
		})
	}
	if cfg.Incidents.RetentionDays < 0 {
		errs = append(errs, FieldError{Field: "storage.incidents.retention_days", Message: "must be non-negative"})
	}

	return errs
}

func validateRedis(cfg *RedisConfig, alerts *AlertsConfig) []FieldError {
	var errs []FieldError

	if cfg.Enabled {
		for i, addr := range cfg.Addrs {
			if addr == "" {
				errs = append(errs, FieldError{Field: fmt.Sprintf("redis.addrs[%d]", i), Message: "address cannot be empty"})
			}
		}
		if cfg.PoolSize < 1 {
			errs = append(errs, FieldError{Field: "redis.pool_size", Message: "must be at least 1"})
		}
	} else {
		for _, sink := range alerts.Sinks {
			if sink == "redis" {
				errs = append(errs, FieldError{Field: "alerts.sinks", Message: "redis sink requires redis.enabled"})
			}
		}
	}

	return errs
}

func validateLedger(cfg *LedgerConfig) []FieldError {
	var errs []FieldError

	if cfg.LockTimeout <= 0 {
		errs = append(errs, FieldError{Field: "ledger.lock_timeout", Message: "lock timeout must be positive"})
	}
	if cfg.TxTimeout <= 0 {
		errs = append(errs, FieldError{Field: "ledger.tx_timeout", Message: "transaction timeout must be positive"})
	}
	if cfg.LockTimeout > cfg.TxTimeout {
		errs = append(errs, FieldError{Field: "ledger.lock_timeout", Message: "lock timeout cannot exceed transaction timeout"})
	}
	if cfg.PauseCacheTTL < 0 {
		errs = append(errs, FieldError{Field: "ledger.pause_cache_ttl", Message: "must be non-negative"})
	}

	return errs
}

func validateBudget(cfg *BudgetConfig) []FieldError {
	var errs []FieldError

	for name, plan := range cfg.Plans {
		prefix := fmt.Sprintf("budget.plans.%s", name)
		if plan.MonthlyBudget.IsNegative() {
			errs = append(errs, FieldError{Field: prefix + ".monthly_budget", Message: "must be non-negative"})
		}
		if plan.Credits.IsNegative() {
			errs = append(errs, FieldError{Field: prefix + ".credits", Message: "must be non-negative"})
		}
	}
	if _, ok := cfg.Plans[cfg.DefaultPlan]; !ok {
		errs = append(errs, FieldError{
			Field:   "budget.default_plan",
			Message: fmt.Sprintf("unknown plan %q", cfg.DefaultPlan),
		})
	}

	if _, err := cron.ParseStandard(cfg.ResetSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "budget.reset_schedule",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}

	if cfg.WarnPercent <= 0 || cfg.WarnPercent > 100 {
		errs = append(errs, FieldError{Field: "budget.warn_percent", Message: "must be between 1 and 100"})
	}
	if cfg.CriticalPercent <= cfg.WarnPercent || cfg.CriticalPercent > 100 {
		errs = append(errs, FieldError{Field: "budget.critical_percent", Message: "must be above warn_percent and at most 100"})
	}

	return errs
}

func validateAlerts(cfg *AlertsConfig) []FieldError {
	var errs []FieldError

	if cfg.BufferSize < 1 {
		errs = append(errs, FieldError{Field: "alerts.buffer_size", Message: "must be at least 1"})
	}
	if cfg.RatePerSecond <= 0 {
		errs = append(errs, FieldError{Field: "alerts.rate_per_second", Message: "must be positive"})
	}
	if cfg.Burst < 1 {
		errs = append(errs, FieldError{Field: "alerts.burst", Message: "must be at least 1"})
	}
	for _, sink := range cfg.Sinks {
		if sink != "log" && sink != "redis" {
			errs = append(errs, FieldError{Field: "alerts.sinks", Message: fmt.Sprintf("unknown sink %q", sink)})
		}
	}

	return errs
}

func validateRateLimits(cfg *RateLimitsConfig) []FieldError {
	var errs []FieldError

	errs = append(errs, validateLimitSet("rate_limits.defaults", &cfg.Defaults)...)
	for tenant, limits := range cfg.Tenants {
		l := limits
		errs = append(errs, validateLimitSet(fmt.Sprintf("rate_limits.tenants.%s", tenant), &l)...)
	}

	return errs
}

func validateLimitSet(prefix string, l *RateLimits) []FieldError {
	var errs []FieldError

	check := func(field string, v int) {
		if v < 0 {
			errs = append(errs, FieldError{Field: prefix + "." + field, Message: "must be non-negative"})
		}
	}
	check("actor_daily", l.ActorDaily)
	check("actor_hourly", l.ActorHourly)
	check("tenant_monthly", l.TenantMonthly)
	check("address_hourly", l.AddressHourly)
	check("unverified_hourly", l.UnverifiedHourly)

	if l.Cooldown < 0 {
		errs = append(errs, FieldError{Field: prefix + ".cooldown", Message: "must be non-negative"})
	}
	if l.ActorDaily > 0 && l.ActorHourly > l.ActorDaily {
		errs = append(errs, FieldError{Field: prefix + ".actor_hourly", Message: "hourly limit cannot exceed daily limit"})
	}

	return errs
}

func validateAbuse(cfg *AbuseConfig) []FieldError {
	var errs []FieldError

	if cfg.BurstLimit < 1 {
		errs = append(errs, FieldError{Field: "abuse.burst_limit", Message: "must be at least 1"})
	}
	if cfg.Similarity <= 0 || cfg.Similarity >= 1 {
		errs = append(errs, FieldError{Field: "abuse.similarity", Message: "must be between 0 and 1 exclusive"})
	}
	if cfg.RepetitionHigh < cfg.RepetitionMedium {
		errs = append(errs, FieldError{Field: "abuse.repetition_high", Message: "must be at least repetition_medium"})
	}
	if cfg.HistorySize < cfg.RepetitionHigh {
		errs = append(errs, FieldError{Field: "abuse.history_size", Message: "must be at least repetition_high"})
	}
	for tenant, n := range cfg.TenantThresholds {
		if n < 1 {
			errs = append(errs, FieldError{Field: fmt.Sprintf("abuse.tenant_thresholds.%s", tenant), Message: "must be at least 1"})
		}
	}

	return errs
}

func validateBreakers(cfg *BreakersConfig) []FieldError {
	var errs []FieldError

	validate := func(prefix string, b BreakerConfig) {
		if b.FailureThreshold < 1 {
			errs = append(errs, FieldError{Field: prefix + ".failure_threshold", Message: "must be at least 1"})
		}
		if b.SuccessThreshold < 1 {
			errs = append(errs, FieldError{Field: prefix + ".success_threshold", Message: "must be at least 1"})
		}
		if b.Timeout <= 0 {
			errs = append(errs, FieldError{Field: prefix + ".timeout", Message: "must be positive"})
		}
	}
	validate("breakers.defaults", cfg.Defaults)
	for name, b := range cfg.Overrides {
		validate("breakers.overrides."+name, b)
	}

	return errs
}

func validateCosts(cfg *CostsConfig) []FieldError {
	var errs []FieldError

	if _, ok := cfg.AI["default"]["default"]; !ok {
		errs = append(errs, FieldError{Field: "costs.ai.default.default", Message: "default AI pricing is required"})
	}
	for provider, models := range cfg.AI {
		for model, p := range models {
			if p.Prompt.IsNegative() || p.Completion.IsNegative() || p.CachedPrompt.IsNegative() {
				errs = append(errs, FieldError{
					Field:   fmt.Sprintf("costs.ai.%s.%s", provider, model),
					Message: "prices must be non-negative",
				})
			}
		}
	}
	for provider, p := range cfg.Voice {
		if p.IsNegative() {
			errs = append(errs, FieldError{Field: "costs.voice." + provider, Message: "price must be non-negative"})
		}
	}
	for provider, p := range cfg.SMS {
		if p.IsNegative() {
			errs = append(errs, FieldError{Field: "costs.sms." + provider, Message: "price must be non-negative"})
		}
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid log level %q (must be debug, info, warn or error)", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid log format %q (must be json or text)", cfg.Logging.Format),
		})
	}

	for i, p := range cfg.Logging.RedactPatterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("telemetry.logging.redact_patterns[%d].pattern", i),
				Message: fmt.Sprintf("invalid regex: %v", err),
			})
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "path must start with /"})
	}
	if !strings.HasPrefix(cfg.Health.LivenessPath, "/") {
		errs = append(errs, FieldError{Field: "telemetry.health.liveness_path", Message: "path must start with /"})
	}
	if !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
		errs = append(errs, FieldError{Field: "telemetry.health.readiness_path", Message: "path must start with /"})
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Sampler {
		case "always", "never", "ratio":
		default:
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("invalid sampler %q (must be always, never or ratio)", cfg.Tracing.Sampler),
			})
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0.0 and 1.0"})
		}
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "endpoint is required when tracing is enabled"})
		}
	}

	return errs
}
