package counter

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements Store in process. Sliding windows use the caller's
// timestamps; TTL-based keys use the store clock.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	windows  map[string][]windowEntry
	seq      uint64
	counters map[string]memCounter
	slots    map[string]time.Time
	lists    map[string]memList
	closed   bool
}

type windowEntry struct {
	at     time.Time
	member string
}

type memCounter struct {
	value    int64
	expireAt time.Time
}

type memList struct {
	entries  []HistoryEntry
	expireAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for key expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:      time.Now,
		windows:  make(map[string][]windowEntry),
		counters: make(map[string]memCounter),
		slots:    make(map[string]time.Time),
		lists:    make(map[string]memList),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SlidingWindow evicts, counts and conditionally records under one lock.
func (s *MemoryStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (*WindowResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.evict(key, now, window)
	res := &WindowResult{Count: int64(len(live))}
	if res.Count < limit {
		s.seq++
		res.Member = strconv.FormatUint(s.seq, 10)
		live = append(live, windowEntry{at: now, member: res.Member})
		sort.SliceStable(live, func(i, j int) bool { return live[i].at.Before(live[j].at) })
		res.Count++
		res.Allowed = true
	}
	s.storeWindow(key, live)
	if len(live) > 0 {
		res.Oldest = live[0].at
	}
	return res, nil
}

// RemoveMember deletes one recorded window entry.
func (s *MemoryStore) RemoveMember(ctx context.Context, key, member string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.windows[key]
	for i, e := range entries {
		if e.member == member {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	s.storeWindow(key, entries)
	return nil
}

// SlidingCount evicts and counts.
func (s *MemoryStore) SlidingCount(ctx context.Context, key string, now time.Time, window time.Duration) (*WindowResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.evict(key, now, window)
	s.storeWindow(key, live)
	res := &WindowResult{Count: int64(len(live))}
	if len(live) > 0 {
		res.Oldest = live[0].at
	}
	return res, nil
}

// IncrementUntil increments a counter expiring at expireAt.
func (s *MemoryStore) IncrementUntil(ctx context.Context, key string, delta int64, expireAt time.Time) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counter(key)
	c.value += delta
	c.expireAt = expireAt
	s.counters[key] = c
	return c.value, nil
}

// Get returns a counter value.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counter(key).value, nil
}

// SetNX claims a slot for ttl.
func (s *MemoryStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, ok := s.slots[key]; ok && now.Before(until) {
		return false, nil
	}
	s.slots[key] = now.Add(ttl)
	return true, nil
}

// TTL returns the remaining lifetime of a slot, counter or list.
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var until time.Time
	if t, ok := s.slots[key]; ok {
		until = t
	} else if c, ok := s.counters[key]; ok {
		until = c.expireAt
	} else if l, ok := s.lists[key]; ok {
		until = l.expireAt
	}
	if until.IsZero() || !now.Before(until) {
		return 0, nil
	}
	return until.Sub(now), nil
}

// PushHistory prepends to a capped list.
func (s *MemoryStore) PushHistory(ctx context.Context, key string, entry HistoryEntry, max int64, ttl time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(key)
	l.entries = append([]HistoryEntry{entry}, l.entries...)
	if int64(len(l.entries)) > max {
		l.entries = l.entries[:max]
	}
	l.expireAt = s.now().Add(ttl)
	s.lists[key] = l
	return nil
}

// History returns a copy of the list, newest first.
func (s *MemoryStore) History(ctx context.Context, key string) ([]HistoryEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(key)
	out := make([]HistoryEntry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// Delete removes keys of any kind.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.windows, k)
		delete(s.counters, k)
		delete(s.slots, k)
		delete(s.lists, k)
	}
	return nil
}

// Ping reports ErrUnavailable after Close.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx)
}

// Close marks the store unavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrUnavailable
	}
	return nil
}

// evict must be called with mu held.
func (s *MemoryStore) evict(key string, now time.Time, window time.Duration) []windowEntry {
	edge := now.Add(-window)
	entries := s.windows[key]
	i := 0
	for i < len(entries) && !entries[i].at.After(edge) {
		i++
	}
	return append([]windowEntry(nil), entries[i:]...)
}

// storeWindow must be called with mu held. Empty windows are dropped.
func (s *MemoryStore) storeWindow(key string, entries []windowEntry) {
	if len(entries) == 0 {
		delete(s.windows, key)
		return
	}
	s.windows[key] = entries
}

// counter must be called with mu held.
func (s *MemoryStore) counter(key string) memCounter {
	c, ok := s.counters[key]
	if !ok {
		return memCounter{}
	}
	if !c.expireAt.IsZero() && !s.now().Before(c.expireAt) {
		delete(s.counters, key)
		return memCounter{}
	}
	return c
}

// list must be called with mu held.
func (s *MemoryStore) list(key string) memList {
	l, ok := s.lists[key]
	if !ok {
		return memList{}
	}
	if !l.expireAt.IsZero() && !s.now().Before(l.expireAt) {
		delete(s.lists, key)
		return memList{}
	}
	return l
}
