package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
)

// countingResetter records each reset.
type countingResetter struct {
	mu    sync.Mutex
	calls []time.Time
}

func (r *countingResetter) ResetMonth(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, now)
	return 3, nil
}

func (r *countingResetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestScheduler_RunOnce(t *testing.T) {
	r := &countingResetter{}
	s := NewScheduler(r, SchedulerConfig{}, WithSchedulerClock(func() time.Time { return testNow }))

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 3 {
		t.Errorf("RunOnce = %d, want 3", n)
	}
	if r.count() != 1 || !r.calls[0].Equal(testNow) {
		t.Errorf("unexpected resets %v", r.calls)
	}
}

func TestScheduler_RedisLock(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := &countingResetter{}
	s := NewScheduler(r, SchedulerConfig{LockExpiry: time.Minute}, WithRedisLock(client))
	ctx := context.Background()

	n, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 3 || r.count() != 1 {
		t.Fatalf("expected one reset, got n=%d calls=%d", n, r.count())
	}
	if mr.Exists(DefaultResetLockName) {
		t.Error("lock should be released after the reset")
	}

	// Another replica holds the lock.
	if err := mr.Set(DefaultResetLockName, "other-replica"); err != nil {
		t.Fatalf("failed to seed lock: %v", err)
	}
	n, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce with held lock failed: %v", err)
	}
	if n != 0 || r.count() != 1 {
		t.Errorf("reset ran while the lock was held: n=%d calls=%d", n, r.count())
	}
	if v, _ := mr.Get(DefaultResetLockName); v != "other-replica" {
		t.Errorf("foreign lock was modified: %q", v)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewScheduler(&countingResetter{}, SchedulerConfig{Schedule: "0 0 1 * *"})

	if s.NextRun() != nil {
		t.Error("NextRun should be nil before Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected scheduler to be running")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error starting twice")
	}

	next := s.NextRun()
	if next == nil {
		t.Fatal("expected a next run")
	}
	if next.Day() != 1 || next.Hour() != 0 || next.Location() != time.UTC {
		t.Errorf("next run %v is not midnight UTC on the 1st", next)
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("expected scheduler to be stopped")
	}
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewScheduler(&countingResetter{}, SchedulerConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for s.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler still running after context cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler(&countingResetter{}, SchedulerConfig{Schedule: "every month"})
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}
