package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "costgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// ============================================================================
// Loading Tests
// ============================================================================

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Storage.Backend != DefaultStorageBackend {
		t.Errorf("Expected backend %q, got %q", DefaultStorageBackend, cfg.Storage.Backend)
	}
	if !cfg.RateLimits.Enabled || !cfg.Abuse.Enabled || !cfg.Budget.ResetEnabled {
		t.Error("Expected boolean features enabled by default")
	}
	if cfg.RateLimits.Defaults.ActorHourly != DefaultActorHourly {
		t.Errorf("Expected actor hourly %d, got %d", DefaultActorHourly, cfg.RateLimits.Defaults.ActorHourly)
	}
	if _, ok := cfg.Budget.Plans["enterprise"]; !ok {
		t.Error("Expected built-in enterprise plan")
	}
	if cfg.Breakers.Defaults.ResetTimeout != cfg.Breakers.Defaults.Timeout {
		t.Error("Expected reset timeout to default to timeout")
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: memory
budget:
  default_plan: custom
  plans:
    custom:
      monthly_budget: "12.34"
      credits: 20
rate_limits:
  enabled: false
  defaults:
    actor_hourly: 30
  tenants:
    acme:
      actor_hourly: 5
costs:
  voice:
    twilio: "0.02"
abuse:
  tenant_thresholds:
    acme: 1
breakers:
  overrides:
    llm:
      failure_threshold: 2
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	plan := cfg.Budget.Plans["custom"]
	if !plan.MonthlyBudget.Equal(decimal.RequireFromString("12.34")) {
		t.Errorf("Expected budget 12.34, got %s", plan.MonthlyBudget)
	}
	if !plan.Credits.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Expected credits 20, got %s", plan.Credits)
	}
	if _, ok := cfg.Budget.Plans["starter"]; !ok {
		t.Error("Expected built-in plans kept alongside custom plans")
	}
	if cfg.RateLimits.Enabled {
		t.Error("Expected rate limits disabled")
	}
	if !cfg.Costs.Voice["twilio"].Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("Expected twilio override, got %s", cfg.Costs.Voice["twilio"])
	}
	if cfg.Costs.Voice["telnyx"].IsZero() {
		t.Error("Expected default telnyx pricing kept")
	}

	acme := cfg.RateLimits.RateLimitsFor("acme")
	if acme.ActorHourly != 5 {
		t.Errorf("Expected acme hourly 5, got %d", acme.ActorHourly)
	}
	if acme.ActorDaily != DefaultActorDaily {
		t.Errorf("Expected acme daily to inherit %d, got %d", DefaultActorDaily, acme.ActorDaily)
	}
	if got := cfg.RateLimits.RateLimitsFor("other").ActorHourly; got != 30 {
		t.Errorf("Expected default hourly 30, got %d", got)
	}

	if got := cfg.Abuse.RepeatOffenseThresholdFor("acme"); got != 1 {
		t.Errorf("Expected acme threshold 1, got %d", got)
	}
	if got := cfg.Abuse.RepeatOffenseThresholdFor("other"); got != DefaultRepeatOffenseThreshold {
		t.Errorf("Expected default threshold, got %d", got)
	}

	llm := cfg.Breakers.Overrides["llm"]
	if llm.FailureThreshold != 2 || llm.SuccessThreshold != DefaultBreakerSuccessThreshold {
		t.Errorf("Unexpected llm breaker config: %+v", llm)
	}
}

func TestLoadConfig_UnknownField(t *testing.T) {
	path := writeConfig(t, "storage:\n  backnd: memory\n")

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for unknown field")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

// ============================================================================
// Environment Override Tests
// ============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	env := map[string]string{
		"COSTGATE_STORAGE_BACKEND":          "postgres",
		"COSTGATE_STORAGE_POSTGRES_DSN":     "postgres://localhost/costgate",
		"COSTGATE_REDIS_ENABLED":            "true",
		"COSTGATE_REDIS_ADDRS":              "a:6379, b:6379",
		"COSTGATE_LEDGER_LOCK_TIMEOUT":      "750ms",
		"COSTGATE_RATE_LIMITS_ACTOR_HOURLY": "7",
		"COSTGATE_RATE_LIMITS_ENABLED":      "not-a-bool",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	applyEnvOverrides(cfg, lookup)

	if cfg.Storage.Backend != "postgres" || cfg.Storage.Postgres.DSN != "postgres://localhost/costgate" {
		t.Errorf("Storage overrides not applied: %+v", cfg.Storage)
	}
	if !cfg.Redis.Enabled || len(cfg.Redis.Addrs) != 2 || cfg.Redis.Addrs[1] != "b:6379" {
		t.Errorf("Redis overrides not applied: %+v", cfg.Redis)
	}
	if cfg.Ledger.LockTimeout != 750*time.Millisecond {
		t.Errorf("Expected lock timeout 750ms, got %v", cfg.Ledger.LockTimeout)
	}
	if cfg.RateLimits.Defaults.ActorHourly != 7 {
		t.Errorf("Expected actor hourly 7, got %d", cfg.RateLimits.Defaults.ActorHourly)
	}
	if !cfg.RateLimits.Enabled {
		t.Error("Invalid bool should leave the value unchanged")
	}
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad backend", func(c *Config) { c.Storage.Backend = "mysql" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.postgres.dsn"},
		{"bad cron", func(c *Config) { c.Budget.ResetSchedule = "every month" }, "budget.reset_schedule"},
		{"unknown default plan", func(c *Config) { c.Budget.DefaultPlan = "gold" }, "budget.default_plan"},
		{"negative plan budget", func(c *Config) {
			c.Budget.Plans["starter"] = PlanConfig{MonthlyBudget: decimal.NewFromInt(-1)}
		}, "budget.plans.starter.monthly_budget"},
		{"thresholds inverted", func(c *Config) { c.Budget.CriticalPercent = 70 }, "budget.critical_percent"},
		{"hourly above daily", func(c *Config) { c.RateLimits.Defaults.ActorHourly = 500 }, "rate_limits.defaults.actor_hourly"},
		{"similarity out of range", func(c *Config) { c.Abuse.Similarity = 1.5 }, "abuse.similarity"},
		{"redis sink without redis", func(c *Config) { c.Alerts.Sinks = []string{"redis"} }, "alerts.sinks"},
		{"lock above tx timeout", func(c *Config) { c.Ledger.LockTimeout = time.Minute }, "ledger.lock_timeout"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "verbose" }, "telemetry.logging.level"},
		{"bad redact pattern", func(c *Config) {
			c.Telemetry.Logging.RedactPatterns = []RedactPattern{{Name: "x", Pattern: "("}}
		}, "telemetry.logging.redact_patterns[0].pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}

			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := Validate(NewDefaultConfig()); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestValidationError_Message(t *testing.T) {
	err := ValidationError{Errors: []FieldError{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}}
	if !strings.Contains(err.Error(), "2 errors") {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}

// ============================================================================
// Watcher Tests
// ============================================================================

func TestWatcher_ReloadOnChange(t *testing.T) {
	path := writeConfig(t, "rate_limits:\n  defaults:\n    actor_hourly: 10\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	w := NewWatcher(path, cfg, nil)
	var reloads atomic.Int32
	w.Subscribe(func(c *Config) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("rate_limits:\n  defaults:\n    actor_hourly: 15\n"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && w.Current().RateLimits.Defaults.ActorHourly != 15 {
		time.Sleep(50 * time.Millisecond)
	}

	if got := w.Current().RateLimits.Defaults.ActorHourly; got != 15 {
		t.Fatalf("Expected reloaded hourly 15, got %d", got)
	}
	if reloads.Load() < 1 {
		t.Error("Expected subscriber to be notified")
	}

	w.Stop()
}

func TestWatcher_InvalidReloadKeepsCurrent(t *testing.T) {
	path := writeConfig(t, "")
	cfg, _ := LoadConfig(path)
	w := NewWatcher(path, cfg, nil)

	if err := os.WriteFile(path, []byte("storage:\n  backend: mysql\n"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	if err := w.Reload(); err == nil {
		t.Error("Expected reload error")
	}
	if w.Current() != cfg {
		t.Error("Expected current config unchanged after failed reload")
	}
}

func TestDebouncer(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	var calls atomic.Int32

	for i := 0; i < 5; i++ {
		d.Trigger(func() { calls.Add(1) })
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("Expected 1 debounced call, got %d", got)
	}

	d.Stop()
	d.Trigger(func() { calls.Add(1) })
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected no calls after Stop, got %d", got)
	}
}
