package counter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness bundles a store with a way to move its expiry clock.
type harness struct {
	store   Store
	advance func(time.Duration)
	now     func() time.Time
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, client
}

func backends(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			clock := &fakeClock{now: time.Now()}
			return harness{
				store:   NewMemoryStore(WithClock(clock.Now)),
				advance: clock.Advance,
				now:     clock.Now,
			}
		},
		"redis": func(t *testing.T) harness {
			mr, client := setupMiniredis(t)
			base := time.Now()
			return harness{
				store:   NewRedisStore(client),
				advance: mr.FastForward,
				now:     func() time.Time { return base },
			}
		},
	}
}

// ============================================================================
// Sliding Window Tests
// ============================================================================

func TestStore_SlidingWindow(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			base := time.Now()
			window := time.Minute

			for i := 0; i < 3; i++ {
				res, err := h.store.SlidingWindow(ctx, "k", base.Add(time.Duration(i)*time.Second), window, 3)
				if err != nil {
					t.Fatalf("SlidingWindow failed: %v", err)
				}
				if !res.Allowed {
					t.Fatalf("Attempt %d should be allowed", i+1)
				}
				if res.Count != int64(i+1) {
					t.Errorf("Attempt %d: expected count %d, got %d", i+1, i+1, res.Count)
				}
			}

			res, err := h.store.SlidingWindow(ctx, "k", base.Add(10*time.Second), window, 3)
			if err != nil {
				t.Fatalf("SlidingWindow failed: %v", err)
			}
			if res.Allowed {
				t.Fatal("Fourth attempt should be rejected")
			}
			if res.Count != 3 {
				t.Errorf("Expected rejected attempt not to be recorded, count %d", res.Count)
			}
			if res.Oldest.UnixMicro() != base.UnixMicro() {
				t.Errorf("Expected oldest %v, got %v", base, res.Oldest)
			}

			// The first entry leaves the window exactly one window after it was added.
			res, err = h.store.SlidingWindow(ctx, "k", base.Add(window), window, 3)
			if err != nil {
				t.Fatalf("SlidingWindow failed: %v", err)
			}
			if !res.Allowed {
				t.Error("Expected attempt to be allowed once the oldest entry expired")
			}
		})
	}
}

func TestStore_SlidingCount(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			base := time.Now()

			for i := 0; i < 4; i++ {
				h.store.SlidingWindow(ctx, "k", base.Add(time.Duration(i)*10*time.Second), time.Minute, 10)
			}

			res, err := h.store.SlidingCount(ctx, "k", base.Add(35*time.Second), time.Minute)
			if err != nil {
				t.Fatalf("SlidingCount failed: %v", err)
			}
			if res.Count != 4 {
				t.Errorf("Expected 4, got %d", res.Count)
			}

			res, _ = h.store.SlidingCount(ctx, "k", base.Add(75*time.Second), time.Minute)
			if res.Count != 2 {
				t.Errorf("Expected 2 after eviction, got %d", res.Count)
			}
		})
	}
}

func TestStore_RemoveMember(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			base := time.Now()

			first, err := h.store.SlidingWindow(ctx, "k", base, time.Minute, 2)
			if err != nil {
				t.Fatalf("SlidingWindow failed: %v", err)
			}
			second, _ := h.store.SlidingWindow(ctx, "k", base.Add(time.Second), time.Minute, 2)
			if first.Member == "" || second.Member == "" || first.Member == second.Member {
				t.Fatalf("Expected distinct members, got %q and %q", first.Member, second.Member)
			}

			rejected, _ := h.store.SlidingWindow(ctx, "k", base.Add(2*time.Second), time.Minute, 2)
			if rejected.Allowed || rejected.Member != "" {
				t.Errorf("Rejected attempt should carry no member, got %+v", rejected)
			}

			if err := h.store.RemoveMember(ctx, "k", second.Member); err != nil {
				t.Fatalf("RemoveMember failed: %v", err)
			}
			res, _ := h.store.SlidingCount(ctx, "k", base.Add(3*time.Second), time.Minute)
			if res.Count != 1 {
				t.Errorf("Expected 1 entry after removal, got %d", res.Count)
			}
			if res.Oldest.UnixMicro() != base.UnixMicro() {
				t.Errorf("Expected the first entry to remain, oldest %v", res.Oldest)
			}

			// Unknown members are ignored.
			if err := h.store.RemoveMember(ctx, "k", "missing"); err != nil {
				t.Errorf("RemoveMember of unknown member failed: %v", err)
			}
		})
	}
}

func TestMemoryStore_DropsEmptyWindows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	store.SlidingWindow(ctx, "evicted", base, time.Minute, 5)
	store.SlidingCount(ctx, "evicted", base.Add(2*time.Minute), time.Minute)

	res, _ := store.SlidingWindow(ctx, "removed", base, time.Minute, 5)
	if err := store.RemoveMember(ctx, "removed", res.Member); err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}

	store.mu.Lock()
	size := len(store.windows)
	store.mu.Unlock()
	if size != 0 {
		t.Errorf("Expected empty windows to be dropped, have %d keys", size)
	}
}

func TestStore_SlidingWindowConcurrent(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			now := time.Now()

			var wg sync.WaitGroup
			var mu sync.Mutex
			allowed := 0
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := h.store.SlidingWindow(ctx, "burst", now, time.Minute, 10)
					if err != nil {
						t.Errorf("SlidingWindow failed: %v", err)
						return
					}
					if res.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if allowed > 10 {
				t.Errorf("Expected at most 10 allowed, got %d", allowed)
			}
		})
	}
}

// ============================================================================
// Counter, Slot and History Tests
// ============================================================================

func TestStore_IncrementUntil(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			expireAt := h.now().Add(time.Hour)

			for i := 1; i <= 3; i++ {
				n, err := h.store.IncrementUntil(ctx, "month", 1, expireAt)
				if err != nil {
					t.Fatalf("IncrementUntil failed: %v", err)
				}
				if n != int64(i) {
					t.Errorf("Expected %d, got %d", i, n)
				}
			}
			n, _ := h.store.IncrementUntil(ctx, "month", -1, expireAt)
			if n != 2 {
				t.Errorf("Expected 2 after decrement, got %d", n)
			}

			if got, _ := h.store.Get(ctx, "month"); got != 2 {
				t.Errorf("Expected Get 2, got %d", got)
			}

			h.advance(2 * time.Hour)

			if got, _ := h.store.Get(ctx, "month"); got != 0 {
				t.Errorf("Expected counter to expire, got %d", got)
			}
		})
	}
}

func TestStore_SetNX(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()

			ok, err := h.store.SetNX(ctx, "cool", 30*time.Second)
			if err != nil || !ok {
				t.Fatalf("Expected first claim to succeed, got %v (%v)", ok, err)
			}
			ok, _ = h.store.SetNX(ctx, "cool", 30*time.Second)
			if ok {
				t.Error("Expected second claim to fail while held")
			}

			ttl, err := h.store.TTL(ctx, "cool")
			if err != nil {
				t.Fatalf("TTL failed: %v", err)
			}
			if ttl <= 0 || ttl > 30*time.Second {
				t.Errorf("Expected TTL within 30s, got %v", ttl)
			}

			h.advance(31 * time.Second)

			ok, _ = h.store.SetNX(ctx, "cool", 30*time.Second)
			if !ok {
				t.Error("Expected claim to succeed after expiry")
			}
		})
	}
}

func TestStore_History(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			base := time.Now()

			for i := 0; i < 5; i++ {
				entry := HistoryEntry{At: base.Add(time.Duration(i) * time.Second), Value: fmt.Sprintf("msg %d", i)}
				if err := h.store.PushHistory(ctx, "hist", entry, 3, time.Hour); err != nil {
					t.Fatalf("PushHistory failed: %v", err)
				}
			}

			entries, err := h.store.History(ctx, "hist")
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			if len(entries) != 3 {
				t.Fatalf("Expected 3 entries, got %d", len(entries))
			}
			if entries[0].Value != "msg 4" || entries[2].Value != "msg 2" {
				t.Errorf("Expected newest first, got %q .. %q", entries[0].Value, entries[2].Value)
			}
			if entries[0].At.UnixMicro() != base.Add(4*time.Second).UnixMicro() {
				t.Errorf("Expected timestamp preserved, got %v", entries[0].At)
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			now := time.Now()

			h.store.SlidingWindow(ctx, "w", now, time.Minute, 5)
			h.store.IncrementUntil(ctx, "c", 1, h.now().Add(time.Hour))
			h.store.SetNX(ctx, "s", time.Minute)

			if err := h.store.Delete(ctx, "w", "c", "s"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}

			res, _ := h.store.SlidingCount(ctx, "w", now, time.Minute)
			if res.Count != 0 {
				t.Errorf("Expected window cleared, got %d", res.Count)
			}
			if n, _ := h.store.Get(ctx, "c"); n != 0 {
				t.Errorf("Expected counter cleared, got %d", n)
			}
			if ok, _ := h.store.SetNX(ctx, "s", time.Minute); !ok {
				t.Error("Expected slot cleared")
			}
		})
	}
}

// ============================================================================
// Failure Tests
// ============================================================================

func TestRedisStore_Unavailable(t *testing.T) {
	mr, client := setupMiniredis(t)
	store := NewRedisStore(client)
	mr.Close()

	_, err := store.SlidingWindow(context.Background(), "k", time.Now(), time.Minute, 5)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable from Ping, got %v", err)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	store.Close()

	if _, err := store.SetNX(context.Background(), "k", time.Second); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestKeyspace(t *testing.T) {
	ks := NewKeyspace("")
	if got := ks.Key("rl", "t1", "", "hourly"); got != "costgate:rl:t1:_:hourly" {
		t.Errorf("Unexpected key %q", got)
	}
	if got := NewKeyspace(":app:").Key("x"); got != "app:x" {
		t.Errorf("Unexpected key %q", got)
	}
}

func TestMonthBoundaries(t *testing.T) {
	ts := time.Date(2025, time.December, 17, 15, 4, 5, 0, time.UTC)
	if got := MonthStart(ts); !got.Equal(time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected month start %v", got)
	}
	if got := NextMonth(ts); !got.Equal(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected next month %v", got)
	}
}
