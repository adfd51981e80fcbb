// Package counter provides the shared low-latency counter primitives used by
// rate limiting and abuse detection: sliding windows over sorted timestamps,
// calendar counters with an absolute expiry, single-slot cooldowns and short
// bounded histories.
//
// RedisStore is the production backend and is shared by every replica.
// MemoryStore implements identical semantics in process for tests and
// single-node deployments.
package counter

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnavailable wraps backend connectivity failures. Callers on advisory
// paths treat it as a reason to fail open.
var ErrUnavailable = errors.New("counter store unavailable")

// WindowResult is the outcome of a sliding-window operation.
type WindowResult struct {
	// Count is the number of live entries after the operation.
	Count int64

	// Allowed reports whether the attempt was recorded.
	Allowed bool

	// Oldest is the timestamp of the oldest live entry. Zero when empty.
	Oldest time.Time

	// Member identifies the recorded entry for RemoveMember. Empty when
	// the attempt was rejected.
	Member string
}

// HistoryEntry is one item of a bounded recency list.
type HistoryEntry struct {
	At    time.Time
	Value string
}

// Store is the set of atomic counter primitives.
type Store interface {
	// SlidingWindow evicts entries older than now-window, records one entry
	// at now if fewer than limit remain, and refreshes the key expiry.
	// Rejected attempts are not recorded.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (*WindowResult, error)

	// RemoveMember withdraws an entry recorded by SlidingWindow.
	RemoveMember(ctx context.Context, key, member string) error

	// SlidingCount evicts expired entries and returns the live count
	// without recording anything.
	SlidingCount(ctx context.Context, key string, now time.Time, window time.Duration) (*WindowResult, error)

	// IncrementUntil adds delta to a counter that expires at expireAt and
	// returns the new value.
	IncrementUntil(ctx context.Context, key string, delta int64, expireAt time.Time) (int64, error)

	// Get returns a counter value, zero when missing.
	Get(ctx context.Context, key string) (int64, error)

	// SetNX claims key for ttl. It reports false when the key is held.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime of key, zero when missing.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// PushHistory prepends an entry to a bounded list, keeping at most max
	// entries and refreshing the list expiry.
	PushHistory(ctx context.Context, key string, entry HistoryEntry, max int64, ttl time.Duration) error

	// History returns the list newest first.
	History(ctx context.Context, key string) ([]HistoryEntry, error)

	// Delete removes keys.
	Delete(ctx context.Context, keys ...string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Keyspace builds namespaced keys.
type Keyspace struct {
	prefix string
}

// NewKeyspace returns a Keyspace rooted at prefix. An empty prefix means
// "costgate".
func NewKeyspace(prefix string) Keyspace {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "costgate"
	}
	return Keyspace{prefix: prefix}
}

// Key joins the prefix and parts with ':'. Empty parts become "_".
func (k Keyspace) Key(parts ...string) string {
	var b strings.Builder
	b.WriteString(k.prefix)
	for _, p := range parts {
		b.WriteByte(':')
		if p == "" {
			p = "_"
		}
		b.WriteString(p)
	}
	return b.String()
}

// NextMonth returns the first instant of the calendar month after t, in UTC.
func NextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first instant of t's calendar month, in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
