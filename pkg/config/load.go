package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "COSTGATE_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// An empty path yields the defaults. The configuration is not modified by
// environment variables; use LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML onto cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention COSTGATE_SECTION_FIELD (e.g., COSTGATE_STORAGE_BACKEND).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg, os.LookupEnv)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	// Server overrides
	str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Storage overrides
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("STORAGE_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	integer("STORAGE_POSTGRES_MAX_OPEN_CONNS", &cfg.Storage.Postgres.MaxOpenConns)
	boolean("STORAGE_POSTGRES_ENSURE_SCHEMA", &cfg.Storage.Postgres.EnsureSchema)
	str("STORAGE_INCIDENTS_BACKEND", &cfg.Storage.Incidents.Backend)
	str("STORAGE_INCIDENTS_PATH", &cfg.Storage.Incidents.Path)

	// Redis overrides
	boolean("REDIS_ENABLED", &cfg.Redis.Enabled)
	if v, ok := lookup(EnvPrefix + "REDIS_ADDRS"); ok && v != "" {
		cfg.Redis.Addrs = splitList(v)
	}
	str("REDIS_USERNAME", &cfg.Redis.Username)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)
	str("REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)

	// Ledger overrides
	duration("LEDGER_LOCK_TIMEOUT", &cfg.Ledger.LockTimeout)
	duration("LEDGER_STATEMENT_TIMEOUT", &cfg.Ledger.StatementTimeout)
	duration("LEDGER_TX_TIMEOUT", &cfg.Ledger.TxTimeout)
	duration("LEDGER_PAUSE_CACHE_TTL", &cfg.Ledger.PauseCacheTTL)

	// Budget overrides
	str("BUDGET_DEFAULT_PLAN", &cfg.Budget.DefaultPlan)
	str("BUDGET_RESET_SCHEDULE", &cfg.Budget.ResetSchedule)
	boolean("BUDGET_RESET_ENABLED", &cfg.Budget.ResetEnabled)

	// Alert overrides
	if v, ok := lookup(EnvPrefix + "ALERTS_SINKS"); ok && v != "" {
		cfg.Alerts.Sinks = splitList(v)
	}
	str("ALERTS_CHANNEL", &cfg.Alerts.Channel)

	// Rate limit overrides
	boolean("RATE_LIMITS_ENABLED", &cfg.RateLimits.Enabled)
	integer("RATE_LIMITS_ACTOR_DAILY", &cfg.RateLimits.Defaults.ActorDaily)
	integer("RATE_LIMITS_ACTOR_HOURLY", &cfg.RateLimits.Defaults.ActorHourly)
	integer("RATE_LIMITS_TENANT_MONTHLY", &cfg.RateLimits.Defaults.TenantMonthly)
	integer("RATE_LIMITS_ADDRESS_HOURLY", &cfg.RateLimits.Defaults.AddressHourly)
	integer("RATE_LIMITS_UNVERIFIED_HOURLY", &cfg.RateLimits.Defaults.UnverifiedHourly)
	duration("RATE_LIMITS_COOLDOWN", &cfg.RateLimits.Defaults.Cooldown)

	// Abuse overrides
	boolean("ABUSE_ENABLED", &cfg.Abuse.Enabled)
	integer("ABUSE_REPEAT_OFFENSE_THRESHOLD", &cfg.Abuse.RepeatOffenseThreshold)

	// Telemetry overrides
	str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	str("TELEMETRY_LOGGING_FILE_PATH", &cfg.Telemetry.Logging.File.Path)
	boolean("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	boolean("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
