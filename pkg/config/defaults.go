package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:9090"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	// Storage defaults
	DefaultStorageBackend           = "sqlite"
	DefaultSQLitePath               = "data/ledger.db"
	DefaultSQLiteBusyTimeout        = 5 * time.Second
	DefaultSQLiteCheckpointInterval = 5 * time.Minute
	DefaultPostgresMaxOpenConns     = 20
	DefaultPostgresMaxRetries       = 5
	DefaultIncidentsBackend         = "ledger"
	DefaultIncidentsPath            = "data/incidents.db"
	DefaultIncidentsRetentionDays   = 90

	// Redis defaults
	DefaultRedisAddr         = "127.0.0.1:6379"
	DefaultRedisPoolSize     = 20
	DefaultRedisDialTimeout  = 2 * time.Second
	DefaultRedisReadTimeout  = 500 * time.Millisecond
	DefaultRedisWriteTimeout = 500 * time.Millisecond
	DefaultRedisKeyPrefix    = "costgate"

	// Ledger defaults
	DefaultLedgerLockTimeout      = 2 * time.Second
	DefaultLedgerStatementTimeout = 5 * time.Second
	DefaultLedgerTxTimeout        = 5 * time.Second
	DefaultPauseCacheTTL          = 30 * time.Second

	// Budget defaults
	DefaultPlan            = "starter"
	DefaultResetSchedule   = "0 0 1 * *"
	DefaultWarnPercent     = 75
	DefaultCriticalPercent = 90

	// Alert defaults
	DefaultAlertBufferSize    = 256
	DefaultAlertRatePerSecond = 10.0
	DefaultAlertBurst         = 20
	DefaultAlertSink          = "log"
	DefaultAlertChannel       = "costgate:alerts"

	// Rate limit defaults
	DefaultActorDaily       = 200
	DefaultActorHourly      = 20
	DefaultAddressHourly    = 60
	DefaultUnverifiedHourly = 10

	// Abuse defaults
	DefaultBurstLimit             = 5
	DefaultBurstWindow            = 10 * time.Second
	DefaultRepetitionWindow       = 60 * time.Minute
	DefaultRepetitionMedium       = 3
	DefaultRepetitionHigh         = 6
	DefaultSimilarity             = 0.8
	DefaultHistorySize            = 20
	DefaultReputationWindow       = 30 * 24 * time.Hour
	DefaultAddressScoreTTL        = 5 * time.Minute
	DefaultAddressCacheSize       = 10000
	DefaultRepeatOffenseThreshold = 3
	DefaultThrottleFor            = 60 * time.Second
	DefaultBlockFor               = time.Hour
	DefaultEvidenceMaxRunes       = 500

	// Breaker defaults
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 2
	DefaultBreakerTimeout          = 30 * time.Second

	// Telemetry defaults
	DefaultLoggingLevel      = "info"
	DefaultLoggingFormat     = "json"
	DefaultLogFileMaxSizeMB  = 100
	DefaultLogFileMaxBackups = 5
	DefaultLogFileMaxAgeDays = 28
	DefaultMetricsPath       = "/metrics"
	DefaultLivenessPath      = "/health"
	DefaultReadinessPath     = "/ready"
	DefaultHealthTimeout     = 2 * time.Second
	DefaultTracingSampler    = "ratio"
	DefaultTracingRatio      = 0.1
	DefaultTracingTimeout    = 10 * time.Second
	DefaultTracingService    = "costgate"
)

// DefaultPlans are the built-in plan tiers.
func DefaultPlans() map[string]PlanConfig {
	return map[string]PlanConfig{
		"free":       {MonthlyBudget: decimal.NewFromInt(5), Credits: decimal.NewFromInt(5)},
		"starter":    {MonthlyBudget: decimal.NewFromInt(50), Credits: decimal.NewFromInt(50)},
		"pro":        {MonthlyBudget: decimal.NewFromInt(500), Credits: decimal.NewFromInt(500)},
		"enterprise": {MonthlyBudget: decimal.NewFromInt(5000), Credits: decimal.NewFromInt(5000)},
	}
}

// DefaultPricing returns the built-in pricing tables.
func DefaultPricing() CostsConfig {
	d := decimal.RequireFromString
	return CostsConfig{
		AI: map[string]map[string]ModelPricingConfig{
			"openai": {
				"gpt-4o-mini": {Prompt: d("0.00015"), Completion: d("0.0006"), CachedPrompt: d("0.000075")},
				"gpt-4o":      {Prompt: d("0.0025"), Completion: d("0.01"), CachedPrompt: d("0.00125")},
			},
			"anthropic": {
				"claude-3-5-haiku":  {Prompt: d("0.0008"), Completion: d("0.004")},
				"claude-3-5-sonnet": {Prompt: d("0.003"), Completion: d("0.015")},
			},
			"default": {
				"default": {Prompt: d("0.001"), Completion: d("0.002")},
			},
		},
		Voice: map[string]decimal.Decimal{
			"twilio":  d("0.013"),
			"telnyx":  d("0.007"),
			"exotel":  d("0.0085"),
			"default": d("0.015"),
		},
		SMS: map[string]decimal.Decimal{
			"twilio":  d("0.0079"),
			"telnyx":  d("0.004"),
			"default": d("0.0079"),
		},
	}
}

// NewDefaultConfig returns a Config with every default applied. Loading
// decodes YAML on top of it, so boolean fields that default to true stay
// true unless the file sets them.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.Budget.ResetEnabled = true
	cfg.RateLimits.Enabled = true
	cfg.Abuse.Enabled = true
	cfg.Telemetry.Logging.RedactPII = true
	cfg.Telemetry.Logging.File.Compress = true
	cfg.Telemetry.Metrics.Enabled = true
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultSQLitePath
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if cfg.Storage.SQLite.CheckpointInterval == 0 {
		cfg.Storage.SQLite.CheckpointInterval = DefaultSQLiteCheckpointInterval
	}
	if cfg.Storage.Postgres.MaxOpenConns == 0 {
		cfg.Storage.Postgres.MaxOpenConns = DefaultPostgresMaxOpenConns
	}
	if cfg.Storage.Postgres.MaxRetries == 0 {
		cfg.Storage.Postgres.MaxRetries = DefaultPostgresMaxRetries
	}
	if cfg.Storage.Incidents.Backend == "" {
		cfg.Storage.Incidents.Backend = DefaultIncidentsBackend
	}
	if cfg.Storage.Incidents.Path == "" {
		cfg.Storage.Incidents.Path = DefaultIncidentsPath
	}
	if cfg.Storage.Incidents.RetentionDays == 0 {
		cfg.Storage.Incidents.RetentionDays = DefaultIncidentsRetentionDays
	}

	// Redis defaults
	if len(cfg.Redis.Addrs) == 0 {
		cfg.Redis.Addrs = []string{DefaultRedisAddr}
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = DefaultRedisPoolSize
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = DefaultRedisDialTimeout
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = DefaultRedisReadTimeout
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = DefaultRedisWriteTimeout
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	// Ledger defaults
	if cfg.Ledger.LockTimeout == 0 {
		cfg.Ledger.LockTimeout = DefaultLedgerLockTimeout
	}
	if cfg.Ledger.StatementTimeout == 0 {
		cfg.Ledger.StatementTimeout = DefaultLedgerStatementTimeout
	}
	if cfg.Ledger.TxTimeout == 0 {
		cfg.Ledger.TxTimeout = DefaultLedgerTxTimeout
	}
	if cfg.Ledger.PauseCacheTTL == 0 {
		cfg.Ledger.PauseCacheTTL = DefaultPauseCacheTTL
	}

	// Budget defaults; configured plans override the built-in tiers.
	plans := DefaultPlans()
	for name, plan := range cfg.Budget.Plans {
		plans[name] = plan
	}
	cfg.Budget.Plans = plans
	if cfg.Budget.DefaultPlan == "" {
		cfg.Budget.DefaultPlan = DefaultPlan
	}
	if cfg.Budget.ResetSchedule == "" {
		cfg.Budget.ResetSchedule = DefaultResetSchedule
	}
	if cfg.Budget.WarnPercent == 0 {
		cfg.Budget.WarnPercent = DefaultWarnPercent
	}
	if cfg.Budget.CriticalPercent == 0 {
		cfg.Budget.CriticalPercent = DefaultCriticalPercent
	}

	// Alert defaults
	if cfg.Alerts.BufferSize == 0 {
		cfg.Alerts.BufferSize = DefaultAlertBufferSize
	}
	if cfg.Alerts.RatePerSecond == 0 {
		cfg.Alerts.RatePerSecond = DefaultAlertRatePerSecond
	}
	if cfg.Alerts.Burst == 0 {
		cfg.Alerts.Burst = DefaultAlertBurst
	}
	if len(cfg.Alerts.Sinks) == 0 {
		cfg.Alerts.Sinks = []string{DefaultAlertSink}
	}
	if cfg.Alerts.Channel == "" {
		cfg.Alerts.Channel = DefaultAlertChannel
	}

	// Rate limit defaults
	rl := &cfg.RateLimits.Defaults
	if rl.ActorDaily == 0 {
		rl.ActorDaily = DefaultActorDaily
	}
	if rl.ActorHourly == 0 {
		rl.ActorHourly = DefaultActorHourly
	}
	if rl.AddressHourly == 0 {
		rl.AddressHourly = DefaultAddressHourly
	}
	if rl.UnverifiedHourly == 0 {
		rl.UnverifiedHourly = DefaultUnverifiedHourly
	}

	// Abuse defaults
	ab := &cfg.Abuse
	if ab.BurstLimit == 0 {
		ab.BurstLimit = DefaultBurstLimit
	}
	if ab.BurstWindow == 0 {
		ab.BurstWindow = DefaultBurstWindow
	}
	if ab.RepetitionWindow == 0 {
		ab.RepetitionWindow = DefaultRepetitionWindow
	}
	if ab.RepetitionMedium == 0 {
		ab.RepetitionMedium = DefaultRepetitionMedium
	}
	if ab.RepetitionHigh == 0 {
		ab.RepetitionHigh = DefaultRepetitionHigh
	}
	if ab.Similarity == 0 {
		ab.Similarity = DefaultSimilarity
	}
	if ab.HistorySize == 0 {
		ab.HistorySize = DefaultHistorySize
	}
	if ab.ReputationWindow == 0 {
		ab.ReputationWindow = DefaultReputationWindow
	}
	if ab.AddressScoreTTL == 0 {
		ab.AddressScoreTTL = DefaultAddressScoreTTL
	}
	if ab.AddressCacheSize == 0 {
		ab.AddressCacheSize = DefaultAddressCacheSize
	}
	if ab.RepeatOffenseThreshold == 0 {
		ab.RepeatOffenseThreshold = DefaultRepeatOffenseThreshold
	}
	if ab.ThrottleFor == 0 {
		ab.ThrottleFor = DefaultThrottleFor
	}
	if ab.BlockFor == 0 {
		ab.BlockFor = DefaultBlockFor
	}
	if ab.EvidenceMaxRunes == 0 {
		ab.EvidenceMaxRunes = DefaultEvidenceMaxRunes
	}

	// Breaker defaults
	applyBreakerDefaults(&cfg.Breakers.Defaults)
	for name, o := range cfg.Breakers.Overrides {
		if o.FailureThreshold == 0 {
			o.FailureThreshold = cfg.Breakers.Defaults.FailureThreshold
		}
		if o.SuccessThreshold == 0 {
			o.SuccessThreshold = cfg.Breakers.Defaults.SuccessThreshold
		}
		if o.Timeout == 0 {
			o.Timeout = cfg.Breakers.Defaults.Timeout
		}
		applyBreakerDefaults(&o)
		cfg.Breakers.Overrides[name] = o
	}

	// Pricing defaults; configured tables override the built-in entries.
	pricing := DefaultPricing()
	for provider, models := range cfg.Costs.AI {
		if pricing.AI[provider] == nil {
			pricing.AI[provider] = make(map[string]ModelPricingConfig)
		}
		for model, p := range models {
			pricing.AI[provider][model] = p
		}
	}
	for provider, p := range cfg.Costs.Voice {
		pricing.Voice[provider] = p
	}
	for provider, p := range cfg.Costs.SMS {
		pricing.SMS[provider] = p
	}
	cfg.Costs = pricing

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Logging.File.MaxSizeMB == 0 {
		cfg.Telemetry.Logging.File.MaxSizeMB = DefaultLogFileMaxSizeMB
	}
	if cfg.Telemetry.Logging.File.MaxBackups == 0 {
		cfg.Telemetry.Logging.File.MaxBackups = DefaultLogFileMaxBackups
	}
	if cfg.Telemetry.Logging.File.MaxAgeDays == 0 {
		cfg.Telemetry.Logging.File.MaxAgeDays = DefaultLogFileMaxAgeDays
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Telemetry.Health.LivenessPath == "" {
		cfg.Telemetry.Health.LivenessPath = DefaultLivenessPath
	}
	if cfg.Telemetry.Health.ReadinessPath == "" {
		cfg.Telemetry.Health.ReadinessPath = DefaultReadinessPath
	}
	if cfg.Telemetry.Health.CheckTimeout == 0 {
		cfg.Telemetry.Health.CheckTimeout = DefaultHealthTimeout
	}
	if cfg.Telemetry.Tracing.Sampler == "" {
		cfg.Telemetry.Tracing.Sampler = DefaultTracingSampler
		if cfg.Telemetry.Tracing.SampleRatio == 0 {
			cfg.Telemetry.Tracing.SampleRatio = DefaultTracingRatio
		}
	}
	if cfg.Telemetry.Tracing.Timeout == 0 {
		cfg.Telemetry.Tracing.Timeout = DefaultTracingTimeout
	}
	if cfg.Telemetry.Tracing.ServiceName == "" {
		cfg.Telemetry.Tracing.ServiceName = DefaultTracingService
	}
}

func applyBreakerDefaults(b *BreakerConfig) {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = DefaultBreakerSuccessThreshold
	}
	if b.Timeout == 0 {
		b.Timeout = DefaultBreakerTimeout
	}
	if b.ResetTimeout == 0 {
		b.ResetTimeout = b.Timeout
	}
}
