package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis client.
type RedisConfig struct {
	// Addrs is one address for a single node, or several for a cluster.
	Addrs []string

	Username string
	Password string
	DB       int

	// PoolSize is the maximum number of socket connections per node.
	PoolSize int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient creates a universal client. A single address yields a plain
// client and several addresses yield a cluster client.
func NewRedisClient(cfg RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// RedisStore implements Store on Redis. Sliding windows are sorted sets
// scored by microsecond timestamps.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore wraps an existing client. The store owns the client and
// closes it on Close.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Client returns the underlying client for components that share the
// connection pool.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.rdb
}

// SlidingWindow records the attempt first and removes it again when the
// window is over the limit, so concurrent callers can only overcount.
func (s *RedisStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (*WindowResult, error) {
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	var first *redis.ZSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff(now, window))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		card = pipe.ZCard(ctx, key)
		first = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return nil, unavailable("sliding window", err)
	}

	res := &WindowResult{
		Count:   card.Val(),
		Allowed: true,
		Oldest:  oldestOf(first.Val()),
		Member:  member,
	}
	if res.Count > limit {
		if err := s.rdb.ZRem(ctx, key, member).Err(); err != nil {
			return nil, unavailable("sliding window rollback", err)
		}
		res.Count--
		res.Allowed = false
		res.Member = ""
	}
	return res, nil
}

// RemoveMember deletes one recorded window entry.
func (s *RedisStore) RemoveMember(ctx context.Context, key, member string) error {
	if err := s.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return unavailable("remove member", err)
	}
	return nil
}

// SlidingCount evicts expired entries and counts the rest.
func (s *RedisStore) SlidingCount(ctx context.Context, key string, now time.Time, window time.Duration) (*WindowResult, error) {
	var card *redis.IntCmd
	var first *redis.ZSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff(now, window))
		card = pipe.ZCard(ctx, key)
		first = pipe.ZRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		return nil, unavailable("sliding count", err)
	}
	return &WindowResult{Count: card.Val(), Oldest: oldestOf(first.Val())}, nil
}

// IncrementUntil increments a calendar counter and pins its expiry.
func (s *RedisStore) IncrementUntil(ctx context.Context, key string, delta int64, expireAt time.Time) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, delta)
		pipe.ExpireAt(ctx, key, expireAt)
		return nil
	})
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return incr.Val(), nil
}

// Get returns the counter value.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get", err)
	}
	return n, nil
}

// SetNX claims a single slot.
func (s *RedisStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// TTL returns the remaining lifetime of key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("pttl", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// PushHistory prepends to a capped list.
func (s *RedisStore) PushHistory(ctx context.Context, key string, entry HistoryEntry, max int64, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, encodeHistory(entry))
		pipe.LTrim(ctx, key, 0, max-1)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return unavailable("push history", err)
	}
	return nil
}

// History returns the list newest first. Malformed items are skipped.
func (s *RedisStore) History(ctx context.Context, key string) ([]HistoryEntry, error) {
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("history", err)
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		if e, ok := decodeHistory(item); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func cutoff(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.Add(-window).UnixMicro(), 10)
}

func oldestOf(z []redis.Z) time.Time {
	if len(z) == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(z[0].Score))
}

func encodeHistory(e HistoryEntry) string {
	return strconv.FormatInt(e.At.UnixMicro(), 10) + "|" + e.Value
}

func decodeHistory(s string) (HistoryEntry, bool) {
	ts, value, ok := strings.Cut(s, "|")
	if !ok {
		return HistoryEntry{}, false
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return HistoryEntry{}, false
	}
	return HistoryEntry{At: time.UnixMicro(micros), Value: value}, true
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
