package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"mercator-hq/costgate/pkg/config"
)

// DefaultResetLockName is the Redis lock guarding the monthly reset across
// replicas.
const DefaultResetLockName = "costgate:lock:monthly-reset"

// Resetter runs the start-of-period reset.
type Resetter interface {
	ResetMonth(ctx context.Context, now time.Time) (int, error)
}

// SchedulerConfig configures the reset scheduler.
type SchedulerConfig struct {
	// Schedule is a standard five-field cron expression evaluated in UTC.
	Schedule string

	// LockName is the distributed lock key.
	LockName string

	// LockExpiry bounds how long one replica holds the lock.
	LockExpiry time.Duration
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRedisLock makes replicas coordinate through a redsync lock so only
// one of them runs each reset.
func WithRedisLock(rdb redis.UniversalClient) SchedulerOption {
	return func(s *Scheduler) {
		if rdb != nil {
			s.rs = redsync.New(goredis.NewPool(rdb))
		}
	}
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "budget.scheduler")
		}
	}
}

// WithSchedulerClock overrides the clock passed to ResetMonth.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler runs the monthly reset on a cron schedule. The reset itself is
// idempotent per period, so a missed lock or a duplicate run is harmless.
type Scheduler struct {
	resetter Resetter
	cfg      SchedulerConfig
	cron     *cron.Cron
	rs       *redsync.Redsync
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewScheduler creates a scheduler for resetter.
func NewScheduler(resetter Resetter, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = config.DefaultResetSchedule
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultResetLockName
	}
	if cfg.LockExpiry <= 0 {
		cfg.LockExpiry = 5 * time.Minute
	}

	s := &Scheduler{
		resetter: resetter,
		cfg:      cfg,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		now:      time.Now,
		logger:   slog.Default().With("component", "budget.scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the reset. It returns once the cron runner is started;
// the scheduler stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if _, err := cron.ParseStandard(s.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.cfg.Schedule, err)
	}

	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.run(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule reset: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	s.logger.Info("reset scheduler started",
		"schedule", s.cfg.Schedule,
		"distributed_lock", s.rs != nil,
	)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// Stop stops the scheduler and waits for a running reset to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	close(s.stopCh)
	s.running = false
	s.logger.Info("reset scheduler stopped")
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled reset, or nil when not started.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// RunOnce runs one reset now. When another replica holds the lock it
// returns zero without resetting. A lock backend failure does not block
// the reset.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if s.rs != nil {
		mutex := s.rs.NewMutex(s.cfg.LockName,
			redsync.WithExpiry(s.cfg.LockExpiry),
			redsync.WithTries(1),
		)
		if err := mutex.TryLockContext(ctx); err != nil {
			var taken *redsync.ErrTaken
			if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
				s.logger.Info("reset already running on another replica", "lock", s.cfg.LockName)
				return 0, nil
			}
			s.logger.Warn("reset lock unavailable, resetting without it",
				"lock", s.cfg.LockName,
				"error", err,
			)
		} else {
			defer func() {
				if _, err := mutex.UnlockContext(context.Background()); err != nil {
					s.logger.Warn("failed to release reset lock", "lock", s.cfg.LockName, "error", err)
				}
			}()
		}
	}

	return s.resetter.ResetMonth(ctx, s.now())
}

func (s *Scheduler) run(ctx context.Context) {
	s.logger.Info("starting scheduled monthly reset")

	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("scheduled reset failed", "error", err)
		return
	}
	s.logger.Info("scheduled reset completed", "accounts_reset", n)
}
