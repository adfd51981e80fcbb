package abuse

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/limits/counter"
	"mercator-hq/costgate/pkg/limits/storage"
	"mercator-hq/costgate/pkg/telemetry/metrics"
)

// Detector scores inbound events for abuse.
//
// Heuristics run in a fixed order and each contributes at most one reason.
// A heuristic whose backing store fails is skipped. Any other malfunction
// yields ALLOW: the detector never blocks traffic because it is broken.
type Detector struct {
	store     counter.Store
	incidents storage.IncidentLog
	scorer    *AddressScorer
	keys      counter.Keyspace
	cfg       atomic.Pointer[config.AbuseConfig]

	heuristics []Heuristic

	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithKeyPrefix sets the counter key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(d *Detector) {
		d.keys = counter.NewKeyspace(prefix)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger.With("component", "abuse")
		}
	}
}

// WithClock overrides the clock used for signals without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// WithHeuristics replaces the built-in heuristic set.
func WithHeuristics(h ...Heuristic) Option {
	return func(d *Detector) {
		d.heuristics = h
	}
}

// NewDetector creates a detector. A nil incidents log disables the
// REPUTATION and ADDRESS_SCORE heuristics and incident recording. A nil
// cfg uses the defaults.
func NewDetector(store counter.Store, incidents storage.IncidentLog, cfg *config.AbuseConfig, opts ...Option) *Detector {
	if cfg == nil {
		cfg = &config.NewDefaultConfig().Abuse
	}
	d := &Detector{
		store:     store,
		incidents: incidents,
		keys:      counter.NewKeyspace(config.DefaultRedisKeyPrefix),
		logger:    slog.Default().With("component", "abuse"),
		now:       time.Now,
	}
	d.cfg.Store(cfg)
	if incidents != nil {
		d.scorer = NewAddressScorer(incidents, cfg.AddressCacheSize, cfg.AddressScoreTTL)
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.heuristics == nil {
		d.heuristics = d.defaultHeuristics()
	}
	return d
}

func (d *Detector) defaultHeuristics() []Heuristic {
	hs := []Heuristic{
		&burstHeuristic{store: d.store, keys: d.keys},
		entropyHeuristic{},
		&repetitionHeuristic{store: d.store, keys: d.keys},
	}
	if d.incidents != nil {
		hs = append(hs,
			&reputationHeuristic{incidents: d.incidents},
			&addressHeuristic{scorer: d.scorer},
		)
	}
	return hs
}

// UpdateConfig swaps in reloaded thresholds. Cache sizing is fixed at
// construction.
func (d *Detector) UpdateConfig(cfg *config.AbuseConfig) {
	if cfg != nil {
		d.cfg.Store(cfg)
	}
}

// Evaluate scores sig and returns a verdict. Non-ALLOW verdicts are
// persisted to the incident log.
func (d *Detector) Evaluate(ctx context.Context, sig Signal) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("abuse detector panicked, allowing event",
				"tenant_id", sig.TenantID,
				"actor_id", sig.ActorID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			v = allow()
		}
	}()

	cfg := d.cfg.Load()
	if !cfg.Enabled {
		return allow()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = d.now()
	}

	var (
		reasons []Reason
		failed  bool
	)
	for _, h := range d.heuristics {
		r, err := h.Check(ctx, sig, cfg)
		if err != nil {
			d.logger.Warn("abuse heuristic failed",
				"heuristic", h.Name(),
				"tenant_id", sig.TenantID,
				"error", err,
			)
			d.metrics.RecordAbuseHeuristicError(h.Name())
			failed = true
			continue
		}
		if r != nil {
			reasons = append(reasons, *r)
		}
	}
	if failed {
		d.logger.Warn("abuse evaluation incomplete, allowing event",
			"tenant_id", sig.TenantID,
			"actor_id", sig.ActorID,
		)
		return allow()
	}

	sev := Combine(reasons)
	prior, err := d.priorOffenses(ctx, sig, cfg, sev)
	if err != nil {
		d.logger.Warn("prior offense lookup failed, allowing event", "tenant_id", sig.TenantID, "error", err)
		d.metrics.RecordAbuseHeuristicError("prior_offenses")
		return allow()
	}
	action := ActionFor(sev, prior, cfg.RepeatOffenseThresholdFor(sig.TenantID))
	v = Verdict{
		Abusive:  action != ActionAllow,
		Action:   action,
		Severity: sev,
		Reasons:  reasons,
	}
	d.metrics.RecordAbuseVerdict(string(action), sev.String())

	if v.Abusive {
		d.logger.Info("abuse detected",
			"tenant_id", sig.TenantID,
			"actor_id", sig.ActorID,
			"source_address", sig.SourceAddress,
			"action", action,
			"severity", sev.String(),
			"reasons", v.Tags(),
		)
		d.record(ctx, sig, v, cfg)
	}
	return v
}

// priorOffenses counts the actor's incidents in the reputation window. It
// only matters for MEDIUM verdicts.
func (d *Detector) priorOffenses(ctx context.Context, sig Signal, cfg *config.AbuseConfig, sev Severity) (int64, error) {
	if sev != SeverityMedium || d.incidents == nil || sig.ActorID == "" {
		return 0, nil
	}
	n, err := d.incidents.CountIncidents(ctx, storage.IncidentQuery{
		TenantID: sig.TenantID,
		ActorID:  sig.ActorID,
		Since:    sig.Timestamp.Add(-cfg.ReputationWindow),
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Detector) record(ctx context.Context, sig Signal, v Verdict, cfg *config.AbuseConfig) {
	if d.incidents == nil {
		return
	}
	rec := &storage.AbuseRecord{
		TenantID:      sig.TenantID,
		ActorID:       sig.ActorID,
		SourceAddress: sig.SourceAddress,
		Reasons:       v.Tags(),
		Severity:      v.Severity.String(),
		Action:        string(v.Action),
		Evidence:      truncateRunes(sig.Content, cfg.EvidenceMaxRunes),
		Timestamp:     sig.Timestamp,
	}
	if err := d.incidents.RecordIncident(ctx, rec); err != nil {
		d.logger.Error("failed to record abuse incident",
			"tenant_id", sig.TenantID,
			"action", v.Action,
			"error", err,
		)
		return
	}
	if d.scorer != nil && sig.SourceAddress != "" {
		d.scorer.Invalidate(sig.SourceAddress)
	}
}

// Incidents lists recorded incidents.
func (d *Detector) Incidents(ctx context.Context, q storage.IncidentQuery) ([]*storage.AbuseRecord, error) {
	if d.incidents == nil {
		return nil, nil
	}
	return d.incidents.ListIncidents(ctx, q)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		max = config.DefaultEvidenceMaxRunes
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
