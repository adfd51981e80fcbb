package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/limits/counter"
	"mercator-hq/costgate/pkg/telemetry/metrics"
)

const (
	hour = time.Hour
	day  = 24 * time.Hour
)

// Limiter enforces per-tenant event limits over a shared counter store.
//
// Limits compose broadest-first: actor daily, actor hourly, tenant monthly,
// source address hourly, then cooldown. Checking stops at the first
// rejection, and the events already recorded by broader limits for that
// request are withdrawn, so a refused request is charged nowhere.
//
// Rate limiting is advisory. When the counter store fails the event is
// allowed, a warning is logged and the fail-open metric is incremented.
type Limiter struct {
	store   counter.Store
	keys    counter.Keyspace
	cfg     atomic.Pointer[config.RateLimitsConfig]
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix sets the key namespace. Default: "costgate".
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) {
		l.keys = counter.NewKeyspace(prefix)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger.With("component", "ratelimit")
		}
	}
}

// WithClock overrides the clock used for window timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter. A nil cfg enables the built-in defaults.
func NewLimiter(store counter.Store, cfg *config.RateLimitsConfig, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		keys:   counter.NewKeyspace(config.DefaultRedisKeyPrefix),
		logger: slog.Default().With("component", "ratelimit"),
		now:    time.Now,
	}
	if cfg == nil {
		cfg = &config.NewDefaultConfig().RateLimits
	}
	l.cfg.Store(cfg)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// UpdateConfig swaps in reloaded limits.
func (l *Limiter) UpdateConfig(cfg *config.RateLimitsConfig) {
	if cfg != nil {
		l.cfg.Store(cfg)
	}
}

// undoFunc withdraws what an admitted step recorded.
type undoFunc func(ctx context.Context) error

// CheckAndIncrement records one event in a true sliding window if fewer
// than limit events remain in it. Rejected attempts are not recorded.
func (l *Limiter) CheckAndIncrement(ctx context.Context, id Identity, kind Kind, window time.Duration, limit int64) (*Result, error) {
	r, _ := l.slide(ctx, id, kind, window, limit)
	return r, nil
}

func (l *Limiter) slide(ctx context.Context, id Identity, kind Kind, window time.Duration, limit int64) (*Result, undoFunc) {
	now := l.now()
	key := l.key(id, kind)
	res, err := l.store.SlidingWindow(ctx, key, now, window, limit)
	if err != nil {
		return l.failOpen(kind, limit, id, err), nil
	}

	r := &Result{
		Allowed: res.Allowed,
		Kind:    kind,
		Limit:   limit,
		Current: res.Count,
		ResetAt: now.Add(window),
	}
	if !res.Oldest.IsZero() {
		r.ResetAt = res.Oldest.Add(window)
	}
	if r.Remaining = limit - res.Count; r.Remaining < 0 {
		r.Remaining = 0
	}
	var undo undoFunc
	if !r.Allowed {
		r.RetryAfter = positive(r.ResetAt.Sub(now))
		r.Reason = reason(kind, id, limit, 0)
	} else if res.Member != "" {
		undo = func(ctx context.Context) error {
			return l.store.RemoveMember(ctx, key, res.Member)
		}
	}
	l.metrics.RecordRateLimitCheck(string(kind), r.Allowed)
	return r, undo
}

// CheckMonthlyQuota counts one event against the tenant's calendar-month
// quota. The counter expires at the start of the next month.
func (l *Limiter) CheckMonthlyQuota(ctx context.Context, tenantID string, limit int64) (*Result, error) {
	r, _ := l.quota(ctx, tenantID, limit)
	return r, nil
}

func (l *Limiter) quota(ctx context.Context, tenantID string, limit int64) (*Result, undoFunc) {
	now := l.now()
	reset := counter.NextMonth(now)
	key := l.keys.Key("rl", tenantID, string(KindTenantMonthly), now.UTC().Format("2006-01"))
	id := Identity{TenantID: tenantID, Subject: tenantID}

	n, err := l.store.IncrementUntil(ctx, key, 1, reset)
	if err != nil {
		return l.failOpen(KindTenantMonthly, limit, id, err), nil
	}
	undo := func(ctx context.Context) error {
		_, err := l.store.IncrementUntil(ctx, key, -1, reset)
		return err
	}

	r := &Result{
		Allowed: n <= limit,
		Kind:    KindTenantMonthly,
		Limit:   limit,
		Current: n,
		ResetAt: reset,
	}
	if !r.Allowed {
		// Give the slot back so rejected attempts do not count.
		if err := undo(ctx); err != nil {
			l.logger.Warn("failed to roll back monthly quota",
				"tenant_id", tenantID,
				"error", err,
			)
		}
		undo = nil
		r.Current = limit
		r.RetryAfter = positive(reset.Sub(now))
		r.Reason = reason(KindTenantMonthly, id, limit, 0)
	}
	if r.Remaining = limit - r.Current; r.Remaining < 0 {
		r.Remaining = 0
	}
	l.metrics.RecordRateLimitCheck(string(KindTenantMonthly), r.Allowed)
	return r, undo
}

// CheckCooldown claims the single cooldown slot for id and eventKind. It
// is rejected while a previous claim is live.
func (l *Limiter) CheckCooldown(ctx context.Context, id Identity, eventKind string, cooldown time.Duration) (*Result, error) {
	now := l.now()
	key := l.cooldownKey(id, eventKind)

	ok, err := l.store.SetNX(ctx, key, cooldown)
	if err != nil {
		return l.failOpen(KindCooldown, 1, id, err), nil
	}

	r := &Result{
		Allowed: ok,
		Kind:    KindCooldown,
		Limit:   1,
		Current: 1,
		ResetAt: now.Add(cooldown),
	}
	if !ok {
		ttl, err := l.store.TTL(ctx, key)
		if err != nil {
			ttl = cooldown
		}
		r.ResetAt = now.Add(ttl)
		r.RetryAfter = positive(ttl)
		r.Reason = reason(KindCooldown, id, 1, cooldown)
	}
	l.metrics.RecordRateLimitCheck(string(KindCooldown), r.Allowed)
	return r, nil
}

// Check runs every configured limit for req, broadest first, and stops at
// the first rejection. Store failures never reject.
func (l *Limiter) Check(ctx context.Context, req Request) (*Decision, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := l.cfg.Load()
	d := &Decision{Allowed: true}
	if !cfg.Enabled {
		return d, nil
	}

	var recorded []undoFunc
	for _, s := range l.plan(req, cfg.RateLimitsFor(req.TenantID)) {
		r, undo := s.run(ctx)
		d.Results = append(d.Results, *r)
		if r.Allowed {
			if undo != nil {
				recorded = append(recorded, undo)
			}
			continue
		}
		l.rollback(ctx, req, recorded)

		d.Allowed = false
		d.Reason = r.Reason
		d.ResetAt = r.ResetAt
		d.RetryAfter = r.RetryAfter
		d.Rejection = &Rejection{
			TenantID:  req.TenantID,
			Subject:   s.id.Subject,
			Kind:      r.Kind,
			Observed:  r.Current,
			Threshold: r.Limit,
			Reason:    r.Reason,
		}
		l.logger.Info("rate limit exceeded",
			"tenant_id", req.TenantID,
			"subject", s.id.Subject,
			"kind", string(r.Kind),
			"observed", r.Current,
			"threshold", r.Limit,
			"retry_after", r.RetryAfter,
		)
		return d, nil
	}
	return d, nil
}

// Status reports current counts for every configured limit without
// recording anything.
func (l *Limiter) Status(ctx context.Context, req Request) ([]Result, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}

	limits := l.cfg.Load().RateLimitsFor(req.TenantID)
	now := l.now()
	var out []Result

	window := func(id Identity, kind Kind, w time.Duration, limit int) error {
		res, err := l.store.SlidingCount(ctx, l.key(id, kind), now, w)
		if err != nil {
			return fmt.Errorf("failed to read %s counter: %w", kind, err)
		}
		r := Result{
			Allowed: res.Count < int64(limit),
			Kind:    kind,
			Limit:   int64(limit),
			Current: res.Count,
			ResetAt: now.Add(w),
		}
		if !res.Oldest.IsZero() {
			r.ResetAt = res.Oldest.Add(w)
		}
		r.Remaining = max(int64(limit)-res.Count, 0)
		out = append(out, r)
		return nil
	}

	if req.ActorID != "" {
		actor := Identity{TenantID: req.TenantID, Subject: req.ActorID}
		if limits.ActorDaily > 0 {
			if err := window(actor, KindActorDaily, day, limits.ActorDaily); err != nil {
				return nil, err
			}
		}
		if limits.ActorHourly > 0 {
			if err := window(actor, KindActorHourly, hour, limits.ActorHourly); err != nil {
				return nil, err
			}
		}
	}

	if limits.TenantMonthly > 0 {
		key := l.keys.Key("rl", req.TenantID, string(KindTenantMonthly), now.UTC().Format("2006-01"))
		n, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read monthly quota: %w", err)
		}
		limit := int64(limits.TenantMonthly)
		out = append(out, Result{
			Allowed:   n < limit,
			Kind:      KindTenantMonthly,
			Limit:     limit,
			Current:   n,
			Remaining: max(limit-n, 0),
			ResetAt:   counter.NextMonth(now),
		})
	}

	if req.SourceAddress != "" {
		if limit := addressLimit(limits, req.Verified); limit > 0 {
			addr := Identity{TenantID: req.TenantID, Subject: req.SourceAddress}
			if err := window(addr, KindAddressHourly, hour, limit); err != nil {
				return nil, err
			}
		}
	}

	if req.ActorID != "" && limits.Cooldown > 0 {
		actor := Identity{TenantID: req.TenantID, Subject: req.ActorID}
		ttl, err := l.store.TTL(ctx, l.cooldownKey(actor, req.EventKind))
		if err != nil {
			return nil, fmt.Errorf("failed to read cooldown: %w", err)
		}
		r := Result{Allowed: ttl == 0, Kind: KindCooldown, Limit: 1, ResetAt: now.Add(ttl)}
		if ttl > 0 {
			r.Current = 1
			r.RetryAfter = ttl
		} else {
			r.Remaining = 1
		}
		out = append(out, r)
	}

	return out, nil
}

// Reset deletes the actor and address counters for req, including the
// cooldown for req.EventKind. The tenant's monthly quota is kept.
func (l *Limiter) Reset(ctx context.Context, req Request) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}

	var keys []string
	if req.ActorID != "" {
		actor := Identity{TenantID: req.TenantID, Subject: req.ActorID}
		keys = append(keys,
			l.key(actor, KindActorDaily),
			l.key(actor, KindActorHourly),
			l.cooldownKey(actor, req.EventKind),
		)
	}
	if req.SourceAddress != "" {
		keys = append(keys, l.key(Identity{TenantID: req.TenantID, Subject: req.SourceAddress}, KindAddressHourly))
	}
	if len(keys) == 0 {
		return nil
	}

	if err := l.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to reset rate limits: %w", err)
	}
	l.logger.Info("rate limits reset",
		"tenant_id", req.TenantID,
		"actor_id", req.ActorID,
		"source_address", req.SourceAddress,
	)
	return nil
}

// rollback withdraws the events recorded by earlier steps of a rejected
// request, newest first. A failure leaves at most that one extra count.
func (l *Limiter) rollback(ctx context.Context, req Request, recorded []undoFunc) {
	ctx = context.WithoutCancel(ctx)
	for i := len(recorded) - 1; i >= 0; i-- {
		if err := recorded[i](ctx); err != nil {
			l.logger.Warn("failed to roll back rate limit counter",
				"tenant_id", req.TenantID,
				"error", err,
			)
		}
	}
}

// step is one limit in the Check plan.
type step struct {
	id  Identity
	run func(ctx context.Context) (*Result, undoFunc)
}

func (l *Limiter) plan(req Request, limits config.RateLimits) []step {
	var steps []step

	actor := Identity{TenantID: req.TenantID, Subject: req.ActorID}
	if req.ActorID != "" && limits.ActorDaily > 0 {
		steps = append(steps, step{actor, func(ctx context.Context) (*Result, undoFunc) {
			return l.slide(ctx, actor, KindActorDaily, day, int64(limits.ActorDaily))
		}})
	}
	if req.ActorID != "" && limits.ActorHourly > 0 {
		steps = append(steps, step{actor, func(ctx context.Context) (*Result, undoFunc) {
			return l.slide(ctx, actor, KindActorHourly, hour, int64(limits.ActorHourly))
		}})
	}
	if limits.TenantMonthly > 0 {
		tenant := Identity{TenantID: req.TenantID, Subject: req.TenantID}
		steps = append(steps, step{tenant, func(ctx context.Context) (*Result, undoFunc) {
			return l.quota(ctx, req.TenantID, int64(limits.TenantMonthly))
		}})
	}
	if limit := addressLimit(limits, req.Verified); req.SourceAddress != "" && limit > 0 {
		addr := Identity{TenantID: req.TenantID, Subject: req.SourceAddress}
		steps = append(steps, step{addr, func(ctx context.Context) (*Result, undoFunc) {
			return l.slide(ctx, addr, KindAddressHourly, hour, int64(limit))
		}})
	}
	if req.ActorID != "" && limits.Cooldown > 0 {
		steps = append(steps, step{actor, func(ctx context.Context) (*Result, undoFunc) {
			r, _ := l.CheckCooldown(ctx, actor, req.EventKind, limits.Cooldown)
			return r, nil
		}})
	}
	return steps
}

func (l *Limiter) failOpen(kind Kind, limit int64, id Identity, err error) *Result {
	l.metrics.RecordRateLimitFailOpen(string(kind))
	l.logger.Warn("rate limit store unavailable, allowing",
		"tenant_id", id.TenantID,
		"subject", id.Subject,
		"kind", string(kind),
		"error", err,
	)
	return &Result{
		Allowed:    true,
		Kind:       kind,
		Limit:      limit,
		Remaining:  limit,
		FailedOpen: true,
	}
}

func (l *Limiter) key(id Identity, kind Kind) string {
	return l.keys.Key("rl", id.TenantID, string(kind), id.Subject)
}

func (l *Limiter) cooldownKey(id Identity, eventKind string) string {
	return l.keys.Key("rl", id.TenantID, string(KindCooldown), id.Subject, eventKind)
}

func addressLimit(limits config.RateLimits, verified bool) int {
	if verified {
		return limits.AddressHourly
	}
	return limits.UnverifiedHourly
}

func reason(kind Kind, id Identity, limit int64, cooldown time.Duration) string {
	switch kind {
	case KindActorDaily:
		return fmt.Sprintf("Daily limit of %d events reached for actor %s", limit, id.Subject)
	case KindActorHourly:
		return fmt.Sprintf("Hourly limit of %d events reached for actor %s", limit, id.Subject)
	case KindTenantMonthly:
		return fmt.Sprintf("Monthly quota of %d events reached for tenant %s", limit, id.TenantID)
	case KindAddressHourly:
		return fmt.Sprintf("Hourly address limit of %d events reached for %s", limit, id.Subject)
	case KindCooldown:
		return fmt.Sprintf("Cooldown of %s active for %s", cooldown, id.Subject)
	default:
		return fmt.Sprintf("%s limit of %d reached for %s", kind, limit, id.Subject)
	}
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
