package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/costgate/pkg/config"
)

// Namespace prefixes every metric name.
const Namespace = "costgate"

// overflowLabel replaces tenant labels once the cardinality limit is reached.
const overflowLabel = "other"

// Collector owns the Prometheus registry and every costgate metric.
//
// All methods are safe on a nil *Collector and do nothing when metrics are
// disabled, so components can take an optional collector without guarding
// each call.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	admission *AdmissionMetrics
	rateLimit *RateLimitMetrics
	budget    *BudgetMetrics
	abuse     *AbuseMetrics
	breaker   *BreakerMetrics

	tenants *CardinalityLimiter
}

// NewCollector creates a collector registered with registry. A nil registry
// gets a fresh one.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Collector{
		enabled:   cfg == nil || cfg.Enabled,
		registry:  registry,
		admission: NewAdmissionMetrics(registry),
		rateLimit: NewRateLimitMetrics(registry),
		budget:    NewBudgetMetrics(registry),
		abuse:     NewAbuseMetrics(registry),
		breaker:   NewBreakerMetrics(registry),
		tenants:   NewCardinalityLimiter(10000),
	}
}

func (c *Collector) on() bool {
	return c != nil && c.enabled
}

// RecordAdmission counts one admission decision by outcome code.
func (c *Collector) RecordAdmission(code string) {
	if !c.on() {
		return
	}
	c.admission.decisions.WithLabelValues(code).Inc()
}

// RecordRateLimitCheck counts a rate limit check for one window kind.
func (c *Collector) RecordRateLimitCheck(kind string, allowed bool) {
	if !c.on() {
		return
	}
	c.rateLimit.checks.WithLabelValues(kind, result(allowed)).Inc()
}

// RecordRateLimitFailOpen counts a check allowed because the counter store
// failed.
func (c *Collector) RecordRateLimitFailOpen(kind string) {
	if !c.on() {
		return
	}
	c.rateLimit.failOpen.WithLabelValues(kind).Inc()
}

// RecordDeduction counts a CheckAndDeduct outcome.
func (c *Collector) RecordDeduction(outcome string) {
	if !c.on() {
		return
	}
	c.budget.deductions.WithLabelValues(outcome).Inc()
}

// SetTenantSpend publishes a tenant's current month spend in USD.
func (c *Collector) SetTenantSpend(tenantID string, spend float64) {
	if !c.on() {
		return
	}
	if !c.tenants.Allow(tenantID) {
		tenantID = overflowLabel
	}
	c.budget.spend.WithLabelValues(tenantID).Set(spend)
}

// ObserveLedgerTx records how long a ledger transaction took.
func (c *Collector) ObserveLedgerTx(op string, d time.Duration) {
	if !c.on() {
		return
	}
	c.budget.txDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordAlert counts a threshold alert by level and delivery result
// (sent, dropped, failed).
func (c *Collector) RecordAlert(level, outcome string) {
	if !c.on() {
		return
	}
	c.budget.alerts.WithLabelValues(level, outcome).Inc()
}

// RecordAbuseVerdict counts an abuse verdict.
func (c *Collector) RecordAbuseVerdict(action, severity string) {
	if !c.on() {
		return
	}
	c.abuse.verdicts.WithLabelValues(action, severity).Inc()
}

// RecordAbuseHeuristicError counts a heuristic skipped after a failure.
func (c *Collector) RecordAbuseHeuristicError(heuristic string) {
	if !c.on() {
		return
	}
	c.abuse.heuristicErrors.WithLabelValues(heuristic).Inc()
}

// SetBreakerState publishes a breaker state (0 closed, 1 half-open, 2 open).
func (c *Collector) SetBreakerState(name string, state int) {
	if !c.on() {
		return
	}
	c.breaker.state.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTransition counts a breaker state change.
func (c *Collector) RecordBreakerTransition(name, from, to string) {
	if !c.on() {
		return
	}
	c.breaker.transitions.WithLabelValues(name, from, to).Inc()
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func result(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "rejected"
}

// CardinalityLimiter caps the number of distinct label values a metric
// may carry.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter admitting up to maxCardinality
// values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value is already tracked or fits under the limit.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[value]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the number of tracked values.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
