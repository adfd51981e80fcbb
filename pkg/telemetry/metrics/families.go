package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionMetrics tracks gate decisions.
//
// Metrics:
//   - costgate_admission_decisions_total: decisions by outcome code
type AdmissionMetrics struct {
	decisions *prometheus.CounterVec
}

// NewAdmissionMetrics creates and registers admission metrics.
func NewAdmissionMetrics(registry *prometheus.Registry) *AdmissionMetrics {
	m := &AdmissionMetrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome code",
			},
			[]string{"code"},
		),
	}
	registry.MustRegister(m.decisions)
	return m
}

// RateLimitMetrics tracks sliding window and quota checks.
//
// Metrics:
//   - costgate_ratelimit_checks_total: checks by window kind and result
//   - costgate_ratelimit_fail_open_total: checks allowed on store failure
type RateLimitMetrics struct {
	checks   *prometheus.CounterVec
	failOpen *prometheus.CounterVec
}

// NewRateLimitMetrics creates and registers rate limit metrics.
func NewRateLimitMetrics(registry *prometheus.Registry) *RateLimitMetrics {
	m := &RateLimitMetrics{
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Rate limit checks by window kind and result",
			},
			[]string{"kind", "result"},
		),
		failOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ratelimit",
				Name:      "fail_open_total",
				Help:      "Rate limit checks allowed because the counter store failed",
			},
			[]string{"kind"},
		),
	}
	registry.MustRegister(m.checks, m.failOpen)
	return m
}

// BudgetMetrics tracks the ledger.
//
// Metrics:
//   - costgate_budget_deductions_total: CheckAndDeduct outcomes
//   - costgate_budget_spend: current month spend per tenant in USD
//   - costgate_budget_alerts_total: threshold alerts by level and result
//   - costgate_ledger_tx_duration_seconds: ledger transaction latency
type BudgetMetrics struct {
	deductions *prometheus.CounterVec
	spend      *prometheus.GaugeVec
	alerts     *prometheus.CounterVec
	txDuration *prometheus.HistogramVec
}

// NewBudgetMetrics creates and registers budget metrics.
func NewBudgetMetrics(registry *prometheus.Registry) *BudgetMetrics {
	m := &BudgetMetrics{
		deductions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "budget",
				Name:      "deductions_total",
				Help:      "Budget deductions by outcome",
			},
			[]string{"outcome"},
		),
		spend: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "budget",
				Name:      "spend",
				Help:      "Current month spend in USD",
			},
			[]string{"tenant"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "budget",
				Name:      "alerts_total",
				Help:      "Budget threshold alerts by level and delivery result",
			},
			[]string{"level", "result"},
		),
		txDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "ledger",
				Name:      "tx_duration_seconds",
				Help:      "Ledger transaction duration in seconds",
				// 1ms to 4s; lock waits dominate the tail
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
	}
	registry.MustRegister(m.deductions, m.spend, m.alerts, m.txDuration)
	return m
}

// AbuseMetrics tracks detector verdicts.
//
// Metrics:
//   - costgate_abuse_verdicts_total: verdicts by action and severity
//   - costgate_abuse_heuristic_errors_total: heuristics skipped on failure
type AbuseMetrics struct {
	verdicts        *prometheus.CounterVec
	heuristicErrors *prometheus.CounterVec
}

// NewAbuseMetrics creates and registers abuse metrics.
func NewAbuseMetrics(registry *prometheus.Registry) *AbuseMetrics {
	m := &AbuseMetrics{
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "abuse",
				Name:      "verdicts_total",
				Help:      "Abuse verdicts by action and severity",
			},
			[]string{"action", "severity"},
		),
		heuristicErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "abuse",
				Name:      "heuristic_errors_total",
				Help:      "Abuse heuristics skipped because their store failed",
			},
			[]string{"heuristic"},
		),
	}
	registry.MustRegister(m.verdicts, m.heuristicErrors)
	return m
}

// BreakerMetrics tracks circuit breakers.
//
// Metrics:
//   - costgate_breaker_state: 0 closed, 1 half-open, 2 open
//   - costgate_breaker_transitions_total: state changes
type BreakerMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewBreakerMetrics creates and registers breaker metrics.
func NewBreakerMetrics(registry *prometheus.Registry) *BreakerMetrics {
	m := &BreakerMetrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
	}
	registry.MustRegister(m.state, m.transitions)
	return m
}
