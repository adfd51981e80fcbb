// Package config provides configuration management for costgate.
//
// Configuration is read from a YAML file, completed with defaults,
// overridden from the environment and validated:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("costgate.yaml")
//
// An empty path loads the defaults, which run a single node on SQLite with
// in-memory counters.
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention COSTGATE_SECTION_FIELD:
//
//   - COSTGATE_STORAGE_BACKEND overrides storage.backend
//   - COSTGATE_STORAGE_POSTGRES_DSN overrides storage.postgres.dsn
//   - COSTGATE_REDIS_ADDRS overrides redis.addrs (comma separated)
//   - COSTGATE_RATE_LIMITS_ACTOR_HOURLY overrides rate_limits.defaults.actor_hourly
//
// # Money
//
// Plan allowances and prices are decimal.Decimal values. Write them as YAML
// strings or numbers; they are parsed as exact decimals either way:
//
//	budget:
//	  plans:
//	    starter:
//	      monthly_budget: "50.00"
//	      credits: 50
//
// # Reloading
//
// Watcher keeps the current configuration and reloads it when the file
// changes. Components that support live updates (pricing, rate limits)
// subscribe with Watcher.Subscribe. A file that fails to load or validate
// is logged and ignored.
package config
