package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/telemetry/metrics"
)

// Notifier delivers one alert to a destination.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
	Name() string
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log notifier. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "budget.alerts")}
}

// Notify logs the alert at warn level.
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.WarnContext(ctx, "budget threshold reached",
		"tenant_id", alert.TenantID,
		"level", string(alert.Level),
		"threshold", alert.Threshold,
		"percent_used", alert.PercentUsed.String(),
		"spend", alert.Spend.String(),
		"budget", alert.Budget.String(),
	)
	return nil
}

// Name returns "log".
func (n *LogNotifier) Name() string { return "log" }

// RedisNotifier publishes alerts as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a notifier publishing on channel.
func NewRedisNotifier(rdb redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = config.DefaultAlertChannel
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

// Notify publishes the alert.
func (n *RedisNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert on %s: %w", n.channel, err)
	}
	return nil
}

// Name returns "redis".
func (n *RedisNotifier) Name() string { return "redis" }

// AlerterConfig configures alert delivery.
type AlerterConfig struct {
	// BufferSize is the queue length. Enqueue drops when it is full.
	BufferSize int

	// RatePerSecond and Burst throttle delivery across all notifiers.
	RatePerSecond float64
	Burst         int

	// SendTimeout bounds one delivery attempt, including the wait for the
	// rate limiter.
	SendTimeout time.Duration
}

// NewAlerterConfig converts the alerts section of the service config.
func NewAlerterConfig(cfg config.AlertsConfig) AlerterConfig {
	return AlerterConfig{
		BufferSize:    cfg.BufferSize,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithAlerterLogger sets the alerter logger.
func WithAlerterLogger(logger *slog.Logger) AlerterOption {
	return func(a *Alerter) {
		if logger != nil {
			a.logger = logger.With("component", "budget.alerter")
		}
	}
}

// WithAlerterMetrics sets the metrics collector.
func WithAlerterMetrics(m *metrics.Collector) AlerterOption {
	return func(a *Alerter) {
		a.metrics = m
	}
}

// Alerter delivers threshold alerts off the deduction path. Alerts are
// queued by Enqueue and sent by a single background worker.
type Alerter struct {
	cfg       AlerterConfig
	notifiers []Notifier
	limiter   *rate.Limiter
	queue     chan Alert
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// NewAlerter starts an alerter delivering to notifiers.
func NewAlerter(cfg AlerterConfig, notifiers []Notifier, opts ...AlerterOption) *Alerter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.DefaultAlertBufferSize
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = config.DefaultAlertRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = config.DefaultAlertBurst
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}

	a := &Alerter{
		cfg:       cfg,
		notifiers: notifiers,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		queue:     make(chan Alert, cfg.BufferSize),
		done:      make(chan struct{}),
		logger:    slog.Default().With("component", "budget.alerter"),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.wg.Add(1)
	go a.worker()

	a.logger.Info("alerter started",
		"buffer_size", cfg.BufferSize,
		"rate_per_second", cfg.RatePerSecond,
		"notifiers", len(notifiers),
	)
	return a
}

// Enqueue queues alert for delivery without blocking. It returns false when
// the alert was dropped because the queue is full or the alerter is closed.
func (a *Alerter) Enqueue(alert Alert) bool {
	select {
	case <-a.done:
		a.metrics.RecordAlert(string(alert.Level), "dropped")
		return false
	default:
	}

	select {
	case a.queue <- alert:
		return true
	default:
		a.metrics.RecordAlert(string(alert.Level), "dropped")
		a.logger.Warn("alert queue full, dropping alert",
			"tenant_id", alert.TenantID,
			"level", string(alert.Level),
			"capacity", a.cfg.BufferSize,
		)
		return false
	}
}

// Close stops accepting alerts, delivers what is queued and waits for the
// worker to exit.
func (a *Alerter) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.logger.Info("alerter stopped")
	})
	return nil
}

func (a *Alerter) worker() {
	defer a.wg.Done()

	for {
		select {
		case alert := <-a.queue:
			a.deliver(alert)

		case <-a.done:
			for {
				select {
				case alert := <-a.queue:
					a.deliver(alert)
				default:
					return
				}
			}
		}
	}
}

func (a *Alerter) deliver(alert Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		a.metrics.RecordAlert(string(alert.Level), "throttled")
		a.logger.Warn("alert throttled",
			"tenant_id", alert.TenantID,
			"level", string(alert.Level),
			"error", err,
		)
		return
	}

	for _, n := range a.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			a.metrics.RecordAlert(string(alert.Level), "failed")
			a.logger.Error("alert delivery failed",
				"notifier", n.Name(),
				"tenant_id", alert.TenantID,
				"level", string(alert.Level),
				"error", err,
			)
			continue
		}
		a.metrics.RecordAlert(string(alert.Level), "sent")
	}
}

// NewNotifiers builds the notifiers named in cfg.Sinks. The "redis" sink
// needs rdb.
func NewNotifiers(cfg config.AlertsConfig, rdb redis.UniversalClient, logger *slog.Logger) ([]Notifier, error) {
	var out []Notifier
	for _, sink := range cfg.Sinks {
		switch sink {
		case "log":
			out = append(out, NewLogNotifier(logger))
		case "redis":
			if rdb == nil {
				return nil, fmt.Errorf("alert sink %q requires a redis client", sink)
			}
			out = append(out, NewRedisNotifier(rdb, cfg.Channel))
		default:
			return nil, fmt.Errorf("unknown alert sink %q", sink)
		}
	}
	return out, nil
}
